// Command plumesync is the storage and synchronization engine of the plume
// notes app: it persists notes as append-only CRDT logs inside a sync
// directory, checkpoints them as snapshots, and reconciles changes made by
// other devices sharing that directory.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
