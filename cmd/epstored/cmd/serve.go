package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skipor/epcore/backend/boltstore"
	"github.com/skipor/epcore/config"
	"github.com/skipor/epcore/epstore"
	"github.com/skipor/epcore/flusher"
	"github.com/skipor/epcore/hashtable"
	"github.com/skipor/epcore/log"
	"github.com/skipor/epcore/pager"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the store and block until terminated",
	RunE:  serve,
}

func init() {
	addConfigFlags(serveCmd)
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	level, err := logLevel(cfg)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	l := log.NewLogger(level, os.Stderr)

	be, err := boltstore.Open(cfg.DBPath, l)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer be.Close()

	st := epstore.New(l, epstore.Config{
		MaxVBuckets:  hashtable.VBNo(cfg.MaxVBuckets),
		HTSize:       cfg.HTSize,
		HTLocks:      cfg.HTLocks,
		MaxSize:      cfg.MaxSize,
		BGFetchDelay: cfg.BGFetchDelay,
	}, be, func() int64 { return time.Now().Unix() }, flusherConfig(cfg), pagerConfig(cfg))

	l.Infof("Warming up from %s.", cfg.DBPath)
	if err := st.Warmup(); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	st.Start()
	defer st.Stop()

	l.Infof("Serving vbucket store, db=%s max-vbuckets=%d.", cfg.DBPath, cfg.MaxVBuckets)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	l.Info("Shutdown signal received, draining.")
	return nil
}

func flusherConfig(cfg *config.Config) flusher.Config {
	fc := flusher.DefaultConfig()
	if cfg.MaxTxnSize > 0 {
		fc.TxnSize = cfg.MaxTxnSize
	}
	fc.MinDataAge = cfg.MinDataAge
	fc.QueueAgeCap = cfg.QueueAgeCap
	fc.ExpiryWindow = cfg.ExpiryWindow
	return fc
}

// pagerConfig builds the item/expiry/checkpoint pager configs from
// the loaded options (§6.2 mem_high_wat/mem_low_wat/pager_active_vb_pcnt/
// pager_interval/exp_pager_stime/chk_remover_stime).
func pagerConfig(cfg *config.Config) epstore.PagerConfig {
	item := pager.Config{
		MemHighWat:      cfg.MemHighWat,
		MemLowWat:       cfg.MemLowWat,
		ActiveVBPercent: cfg.ItemPagerActiveVBPercent,
		Interval:        cfg.PagerInterval,
	}
	return epstore.PagerConfig{
		Item: item,
		Expiry: pager.Config{
			MemHighWat:      cfg.MemHighWat,
			MemLowWat:       cfg.MemLowWat,
			ActiveVBPercent: cfg.ItemPagerActiveVBPercent,
			Interval:        cfg.ExpPagerStime,
		},
		Checkpoint: pager.Config{
			Interval: cfg.ChkRemoverStime,
		},
	}
}
