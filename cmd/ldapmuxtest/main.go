/*
	Issues searches against one or more LDAP servers through a shared
	ldapmux Pool, either once or as a concurrent load test.

	  ldapmuxtest --config ldapmux.toml search 'ldap:///dc=example,dc=com?cn?sub?(uid=*)'
	  ldapmuxtest --config ldapmux.toml bench --workers 32 --count 10000 'ldap:///dc=example,dc=com??sub'
*/

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkdata/ldapmux"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagProfile bool
	flagMetrics string
	flagWorkers int
	flagCount   int
)

var rootCmd = &cobra.Command{
	Use:           "ldapmuxtest",
	Short:         "LDAP multiplexing test client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var searchCmd = &cobra.Command{
	Use:   "search URL",
	Short: "Run one search and print the entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *ldapmux.Session) error {
			req, err := searchRequest(args[0])
			if err != nil {
				return err
			}
			sr, err := s.SearchContext(cmd.Context(), req, nil)
			if err != nil {
				return err
			}
			defer sr.Close()
			for {
				msg, err := sr.Next()
				if err != nil {
					if re, ok := ldapmux.IsReferral(err); ok {
						fmt.Printf("# referral %v\n", re.URLs)
						continue
					}
					if err == io.EOF {
						break
					}
					return err
				}
				if msg.Kind == ldapmux.KindSearchEntry {
					fmt.Printf("dn: %s\n", msg.Entry.DN)
					for _, a := range msg.Entry.Attributes {
						for _, v := range a.Values {
							fmt.Printf("%s: %s\n", a.Name, v)
						}
					}
					fmt.Println()
				}
			}
			if res := sr.Result(); res != nil {
				fmt.Printf("# result: %v\n", res.Result.Code)
			}
			return nil
		})
	},
}

var benchCmd = &cobra.Command{
	Use:   "bench URL",
	Short: "Run many concurrent searches over one Session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := searchRequest(args[0])
		if err != nil {
			return err
		}
		return withSession(cmd.Context(), func(s *ldapmux.Session) error {
			var entries, failures int64
			var next int64
			var wg sync.WaitGroup
			started := time.Now()
			for i := 0; i < flagWorkers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for atomic.AddInt64(&next, 1) <= int64(flagCount) {
						sr, err := s.SearchContext(cmd.Context(), req, nil)
						if err == nil {
							var found []*ldapmux.Entry
							found, err = sr.Entries()
							sr.Close()
							atomic.AddInt64(&entries, int64(len(found)))
						}
						if err != nil {
							atomic.AddInt64(&failures, 1)
							log.WithError(err).Debug("search failed")
						}
					}
				}()
			}
			wg.Wait()
			elapsed := time.Since(started)
			fmt.Printf("%d searches, %d entries, %d failures in %v (%.0f/s)\n",
				flagCount, entries, failures, elapsed, float64(flagCount)/elapsed.Seconds())
			return nil
		})
	},
}

func searchRequest(raw string) (*ldapmux.SearchRequest, error) {
	lu, err := ldapmux.ParseLDAPURL(raw)
	if err != nil {
		return nil, err
	}
	req := &ldapmux.SearchRequest{
		BaseDN:     lu.DN,
		Scope:      ldapmux.ScopeWholeSubtree,
		Filter:     lu.Filter,
		Attributes: lu.Attributes,
	}
	if lu.HasScope {
		req.Scope = lu.Scope
	}
	return req, nil
}

func withSession(ctx context.Context, fn func(*ldapmux.Session) error) error {
	conf, err := ldapmux.LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	pool, err := ldapmux.NewPoolFromConfig(conf, nil)
	if err != nil {
		return err
	}
	defer pool.Close()

	if flagMetrics != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.WithField("address", flagMetrics).Info("serving metrics")
			if err := http.ListenAndServe(flagMetrics, nil); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	s, err := conf.DialContext(ctx, pool)
	if err != nil {
		return err
	}
	defer s.Disconnect()
	return fn(s)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "ldapmux.toml", "configuration file")
	rootCmd.PersistentFlags().BoolVar(&flagProfile, "profile", false, "write cpu profile to file")
	rootCmd.PersistentFlags().StringVar(&flagMetrics, "metrics", "", "serve Prometheus metrics on this address")
	benchCmd.Flags().IntVar(&flagWorkers, "workers", runtime.NumCPU(), "number of concurrent searchers")
	benchCmd.Flags().IntVar(&flagCount, "count", 1000, "total number of searches")
	rootCmd.AddCommand(searchCmd, benchCmd)
}

func main() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if flagProfile {
			stopper := profile.Start()
			cobra.OnFinalize(stopper.Stop)
		}
	}
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
