package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/docker/go-units"
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydb/kv/config"
	"github.com/pingcap-incubator/tinydb/kv/recovery"
	"github.com/pingcap-incubator/tinydb/kv/server"
	"github.com/pingcap-incubator/tinydb/kv/server/api"
	"github.com/pingcap-incubator/tinydb/kv/util"
	"github.com/spf13/cobra"
)

var (
	gitHash = "None"
)

var (
	configPath string
	dbPath     string
	statusAddr string
)

func loadConfig() (*config.Config, error) {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		conf.DBPath = dbPath
	}
	return conf, conf.Validate()
}

func openServer() (*server.Server, error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return server.Open(conf)
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the database and keep it running until a signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openServer()
			if err != nil {
				return err
			}
			go func() {
				http.Handle("/", api.NewHandler(s))
				log.Infof("listening on %v", statusAddr)
				if err := http.ListenAndServe(statusAddr, nil); err != nil {
					log.Errorf("status server: %v", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh,
				syscall.SIGHUP,
				syscall.SIGINT,
				syscall.SIGTERM,
				syscall.SIGQUIT)
			sig := <-sigCh
			log.Infof("Got signal [%s] to exit.", sig)
			return s.Shutdown(fmt.Sprintf("signal %s", sig))
		},
	}
	cmd.Flags().StringVar(&statusAddr, "status-addr", "127.0.0.1:20180", "address of the HTTP status interface")
	return cmd
}

func newRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run crash recovery over the log and report what it did",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openServer()
			if err != nil {
				return err
			}
			res := s.Recovered()
			fmt.Printf("redo %d changes, undo %d changes, losers %v\n", len(res.Redo), len(res.Undo), res.Losers)
			return s.Close()
		},
	}
}

func newCheckpointCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Flush the store and the log buffer and write a checkpoint marker",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openServer()
			if err != nil {
				return err
			}
			if err = s.Checkpoint(); err != nil {
				s.Close()
				return err
			}
			return s.Close()
		},
	}
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <database> [table...]",
		Short: "Print the statistics of tables",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openServer()
			if err != nil {
				return err
			}
			defer s.Close()

			db, tables := args[0], args[1:]
			if len(tables) == 0 {
				if tables, err = s.Engine().Tables(db); err != nil {
					return err
				}
			}
			for _, table := range tables {
				st, err := s.Engine().Stats(db, table)
				if err != nil {
					return err
				}
				fmt.Printf("%s.%s: %d rows of %s in %d blocks of %d, %.0f%% full, about %s\n",
					db, table, st.TupleCount, units.BytesSize(float64(st.TupleSize)), st.BlockCount,
					st.BlockingFactor, st.MeanFill*100, units.HumanSize(float64(st.TupleCount*st.TupleSize)))
				columns := make([]string, 0, len(st.DistinctValues))
				for c := range st.DistinctValues {
					columns = append(columns, c)
				}
				sort.Strings(columns)
				for _, c := range columns {
					fmt.Printf("  %s: %d distinct values\n", c, st.DistinctValues[c])
				}
			}
			return nil
		},
	}
}

func newDumpLogCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-log",
		Short: "Print the durable write-ahead log",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			wal, err := recovery.NewManager(conf.WALPath(), conf.LogBufferSize)
			if err != nil {
				return err
			}
			entries, err := wal.ReadLog()
			if err != nil {
				return err
			}
			size, err := util.GetFileSize(wal.Path())
			if err != nil {
				return err
			}
			sum, err := util.CalcCRC32(wal.Path())
			if err != nil {
				return err
			}
			fmt.Printf("# %s: %s, crc32 %08x, %d entries\n", wal.Path(), units.HumanSize(float64(size)), sum, len(entries))
			for _, e := range entries {
				if e.Event == recovery.EventCheckpoint {
					fmt.Println(e)
					continue
				}
				fmt.Printf("%s %s\n", e.Timestamp.Format("2006-01-02T15:04:05.000"), e)
			}
			return nil
		},
	}
}

func main() {
	log.Info("gitHash:", gitHash)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)

	rootCmd := &cobra.Command{
		Use:   "tinydb-server",
		Short: "tinydb storage server and maintenance tools",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "data directory, overrides the config file")
	rootCmd.AddCommand(
		newServeCommand(),
		newRecoverCommand(),
		newCheckpointCommand(),
		newStatsCommand(),
		newDumpLogCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
