package cmd

import (
	"github.com/spf13/cobra"

	"qarunner/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API token",
	Long: `Generate a random API token and print its SHA-256 hash.
Hand the token to the client and add the hash to the controller's API_TOKEN_HASHES.
No request is sent to the controller.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, hash, err := auth.NewToken()
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd, map[string]string{"token": token, "hash": hash})
		}
		cmd.Printf("%sToken:%s  %s\n", colorBold, colorReset, token)
		cmd.Printf("%sHash:%s   %s\n", colorDim, colorReset, hash)
		cmd.Println("Store the token now, it cannot be recovered from the hash.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
