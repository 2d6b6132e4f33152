// bitsync incrementally replicates rows from an Oracle table into
// capacity-bounded destination tables, resuming from a checkpoint across
// restarts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/qq940500529/bitsync/bitable"
	"github.com/qq940500529/bitsync/checkpoint"
	"github.com/qq940500529/bitsync/config"
	"github.com/qq940500529/bitsync/oracle"
	"github.com/qq940500529/bitsync/pump"
	"github.com/qq940500529/bitsync/shard"
)

func main() {
	var configPath = flag.String("c", "config.yaml", "path to configuration file")
	var fullSync = flag.Bool("full-sync", false, "ignore the checkpoint and sync all rows from the beginning")
	var resetCheckpoint = flag.Bool("reset-checkpoint", false, "reset the checkpoint and exit without syncing")
	var checkConfig = flag.Bool("check", false, "lint the configuration and exit")
	var logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.WithField("level", *logLevel).Fatal("invalid log level")
	}
	log.SetLevel(level)

	if err := run(*configPath, *fullSync, *resetCheckpoint, *checkConfig); err != nil {
		log.WithError(err).Error("exiting with failure")
		os.Exit(1)
	}
}

func run(configPath string, fullSync, resetCheckpoint, checkConfig bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if checkConfig {
		return lintConfig(cfg)
	}

	var store = checkpoint.NewStore(cfg.Sync.CheckpointFile)
	if resetCheckpoint {
		return store.Reset()
	}

	var ctx = context.Background()

	reader, err := oracle.Connect(ctx, &oracle.Config{
		Host:        cfg.Oracle.Host,
		Port:        cfg.Oracle.Port,
		ServiceName: cfg.Oracle.ServiceName,
		User:        cfg.Oracle.Username,
		Password:    cfg.Oracle.Password,
	}, oracle.Options{
		ConvertToFixedTimezone: cfg.Sync.ConvertToFixedTimezone,
		TimezoneOffsetHours:    cfg.Sync.TimezoneOffsetHours,
	})
	if err != nil {
		return err
	}

	client, err := bitable.NewClient(bitable.Config{
		AppID:                cfg.Feishu.AppID,
		AppSecret:            cfg.Feishu.AppSecret,
		AppToken:             cfg.Feishu.AppToken,
		BaseURL:              cfg.Feishu.BaseURL,
		MaxRequestsPerSecond: cfg.Feishu.MaxRequestsPerSecond,
	})
	if err != nil {
		reader.Close()
		return err
	}

	var allocator = shard.NewAllocator(client, shard.Config{
		TableNamePrefix: cfg.Feishu.TableNamePrefix,
		MaxRowsPerShard: cfg.Feishu.MaxRowsPerTable,
	})

	var p = pump.New(reader, client, allocator, store, pump.Config{
		TableName:      cfg.Oracle.TableName,
		SyncColumn:     cfg.Oracle.SyncColumn,
		PrimaryKey:     cfg.Oracle.PrimaryKey,
		ReadBatchSize:  cfg.Sync.ReadBatchSize,
		WriteBatchSize: cfg.Sync.WriteBatchSize,
		FullSync:       fullSync,
	})

	stats, err := p.Run(ctx)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"rows":     stats.RowsSynced,
		"duration": stats.Duration.String(),
	}).Info("done")
	return nil
}

func lintConfig(cfg *config.Config) error {
	var result = cfg.Lint()
	for _, warning := range result.Warnings {
		log.Warn(warning)
	}
	for _, issue := range result.Issues {
		log.Error(issue)
	}
	if !result.OK() {
		return fmt.Errorf("configuration has %d issue(s)", len(result.Issues))
	}
	log.Info("configuration looks good")
	return nil
}
