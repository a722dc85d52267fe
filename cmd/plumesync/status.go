package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/plumenote/plumesync/internal/index"
	"github.com/plumenote/plumesync/internal/sd"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync directory and cache status",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runStatus(); err != nil {
			fail("%v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus() error {
	sdir, err := openSD()
	if err != nil {
		return err
	}

	dir, err := stateDir()
	if err != nil {
		return err
	}
	inst, err := sd.LoadOrCreateInstance(dir, viper.GetString("profile"))
	if err != nil {
		return err
	}

	fmt.Printf("Sync directory: %s\n", sdir.Root)
	fmt.Printf("   SD id:      %s\n", sdir.ID)
	fmt.Printf("   Version:    %s\n", sdir.Version)
	fmt.Printf("   Instance:   %s (profile %s)\n", inst.ID, inst.Profile)

	noteIDs, err := sdir.ListNoteIDs()
	if err != nil {
		return err
	}
	fmt.Printf("   Notes:      %d on disk\n", len(noteIDs))

	if idx, err := index.Open(filepath.Join(dir, fmt.Sprintf("cache-%s.db", sdir.ID))); err == nil {
		if n, err := idx.NoteCount(); err == nil {
			fmt.Printf("   Cached:     %d notes in metadata cache\n", n)
		}
		_ = idx.Close()
	}

	presence, err := sdir.ListPresence()
	if err != nil {
		return err
	}
	if len(presence) > 0 {
		fmt.Printf("\nDevices:\n")
		for _, p := range presence {
			marker := " "
			if p.InstanceID == inst.ID {
				marker = "*"
			}
			fmt.Printf(" %s %s  profile=%s  host=%s  last seen %s\n",
				marker, p.InstanceID, p.Profile, p.Hostname,
				p.LastSeen.Local().Format(time.RFC1123))
		}
	}

	return nil
}
