// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stateledger/store"
)

// watchCmd streams modification events for a state file.
//
// Read-only collaborators should consume events like these and perform
// locked reads, rather than polling the file directly and risking a
// mid-rename observation.
var watchCmd = &cobra.Command{
	Use:   "watch <path>",
	Short: "Log modification events for a state file until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	w, err := store.NewWatcher(slog.Default())
	if err != nil {
		return err
	}
	defer w.Close()

	err = w.Watch(args[0], func(e store.Event) {
		slog.Info("State file changed",
			"path", e.Path,
			"change", e.Type.String())
	})
	if err != nil {
		return err
	}

	slog.Info("Watching state file",
		"path", args[0])

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	select {
	case <-stop:
	case <-cmd.Context().Done():
	}
	return nil
}
