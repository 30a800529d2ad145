package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/killallgit/s24/pkg/config"
	"github.com/killallgit/s24/pkg/gateway"
	"github.com/spf13/cobra"
)

var (
	rpcParams      string
	rpcExpectFinal bool
)

var rpcCmd = &cobra.Command{
	Use:   "rpc <method>",
	Short: "Call one gateway RPC method and print its payload",
	Example: `  s24 rpc health
  s24 rpc chat.history --params '{"sessionKey":"agent:main:main","limit":20}'
  s24 rpc agent --params '{"message":"status"}' --expect-final`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{}
		if rpcParams != "" {
			if err := json.Unmarshal([]byte(rpcParams), &params); err != nil {
				return fmt.Errorf("invalid --params: %w", err)
			}
		}

		client := gateway.NewClientFromConfig(config.Get())
		payload, err := client.Call(cmd.Context(), args[0], params, rpcExpectFinal)
		if err != nil {
			return err
		}

		var out bytes.Buffer
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		if err := json.Indent(&out, payload, "", "  "); err != nil {
			return fmt.Errorf("gateway returned invalid JSON: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.String())
		return nil
	},
}

func init() {
	rpcCmd.Flags().StringVarP(&rpcParams, "params", "p", "", "JSON object of call parameters")
	rpcCmd.Flags().BoolVar(&rpcExpectFinal, "expect-final", false, "skip interim accepted responses")
	rootCmd.AddCommand(rpcCmd)
}
