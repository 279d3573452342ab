package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudkv/engine/pkg/blobstore"
	"github.com/cloudkv/engine/pkg/blobstore/s3"
	"github.com/cloudkv/engine/pkg/bgworker"
	"github.com/cloudkv/engine/pkg/config"
	"github.com/cloudkv/engine/pkg/fileindex"
	"github.com/cloudkv/engine/pkg/frontend"
	"github.com/cloudkv/engine/pkg/metadb"
	"github.com/cloudkv/engine/pkg/scrub"
)

// stack bundles everything a subcommand needs; Close stops the
// BackgroundWorker and the Frontend, then closes the FileEntryIndex and
// MetaDb.
type stack struct {
	db        *metadb.DB
	store     blobstore.Store
	fileIndex *fileindex.Index
	engine    *frontend.Engine
	bgw       *bgworker.Worker
	scrubber  *scrub.Worker
}

func (s *stack) Close() {
	if s.bgw != nil {
		s.bgw.Stop()
	}
	if s.engine != nil {
		s.engine.Close()
	}
	if s.fileIndex != nil {
		s.fileIndex.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// openStack wires MetaDb, BlobStore, the optional FileEntryIndex, the
// Frontend, ScrubWorker and BackgroundWorker from the command's persistent
// flags, following the same construction order as pkg/frontend.New expects
// its collaborators already open.
func openStack(cmd *cobra.Command) (*stack, error) {
	configPath, _ := cmd.Flags().GetString("config")
	metadbPath, _ := cmd.Flags().GetString("metadb")
	fileIndexPath, _ := cmd.Flags().GetString("fileindex")
	taskDir, _ := cmd.Flags().GetString("task-dir")

	settings, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	db, err := metadb.Open(metadbPath)
	if err != nil {
		return nil, fmt.Errorf("opening metadb: %w", err)
	}
	s := &stack{db: db}

	store, err := s3.New(s3.Config{
		Endpoint:        settings.Endpoint,
		AccessKey:       settings.AccessKey,
		SecretAccessKey: settings.SecretAccessKey,
		Bucket:          settings.BucketName,
		Region:          settings.Region,
		StorageClass:    settings.StorageClass,
		UseSSL:          true,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening blobstore: %w", err)
	}
	s.store = store

	if fileIndexPath != "" {
		idx, err := fileindex.Open(fileIndexPath)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("opening fileindex: %w", err)
		}
		s.fileIndex = idx
	}

	bgw, err := bgworker.New(db, store, nil, bgworker.Config{TaskDir: taskDir})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening background worker: %w", err)
	}
	s.bgw = bgw
	s.scrubber = scrub.New(db, store, bgw)
	s.engine = frontend.New(db, store, s.fileIndex, s.scrubber)

	return s, nil
}
