package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatewarden/fingerprint"
)

var fingerprintFlags struct {
	profile string
	attrs   map[string]string
}

type fingerprintOutput struct {
	Profile     string                  `json:"profile"`
	Fingerprint string                  `json:"fingerprint"`
	Bucket      int64                   `json:"bucket"`
	Components  []fingerprint.Attribute `json:"components"`
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Compute a fingerprint from attribute values",
	Example: `  gatewarden fingerprint --attr user_agent="Mozilla/5.0" --attr accept_language=en --attr client_ip=203.0.113.7
  gatewarden fingerprint --profile client --attr screen=1920x1080x24`,
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := profileByName(fingerprintFlags.profile)
		if err != nil {
			return err
		}
		gen := fingerprint.New(profile)
		now := time.Now()
		return writeIndentedJSON(cmd.OutOrStdout(), fingerprintOutput{
			Profile:     profile.Name,
			Fingerprint: gen.GenerateAt(fingerprintFlags.attrs, now),
			Bucket:      gen.Bucket(now),
			Components:  gen.Components(fingerprintFlags.attrs),
		})
	},
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
	fingerprintCmd.Flags().StringVar(&fingerprintFlags.profile, "profile", "server", "Attribute profile: server or client")
	fingerprintCmd.Flags().StringToStringVar(&fingerprintFlags.attrs, "attr", nil, "Attribute as name=value (repeatable)")
}

func profileByName(name string) (fingerprint.Profile, error) {
	switch name {
	case fingerprint.ServerProfile.Name:
		return fingerprint.ServerProfile, nil
	case fingerprint.ClientProfile.Name:
		return fingerprint.ClientProfile, nil
	default:
		return fingerprint.Profile{}, fmt.Errorf("unknown profile %q", name)
	}
}
