package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/plumenote/plumesync/internal/sd"
)

var attachCmd = &cobra.Command{
	Use:   "attach <path>",
	Short: "Attach a sync directory, creating it if needed",
	Long: `Attach registers a filesystem location as a sync directory.

If the location already holds a sync directory (for example, one created by
another device and delivered through the cloud-synced folder), it is opened
as-is; otherwise a fresh layout and identity are created. Detaching never
deletes the underlying files.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sdir, err := sd.Attach(args[0])
		if err != nil {
			fail("failed to attach %s: %v", args[0], err)
		}

		dir, err := stateDir()
		if err != nil {
			fail("%v", err)
		}
		inst, err := sd.LoadOrCreateInstance(dir, viper.GetString("profile"))
		if err != nil {
			fail("failed to load instance identity: %v", err)
		}
		if err := sdir.TouchPresence(inst); err != nil {
			fail("failed to record presence: %v", err)
		}

		fmt.Printf("Attached sync directory %s\n", sdir.Root)
		fmt.Printf("   SD id:    %s\n", sdir.ID)
		fmt.Printf("   Instance: %s (profile %s)\n", inst.ID, inst.Profile)
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
}
