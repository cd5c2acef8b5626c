/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/exchange-core/internal/bootstrap"
	"github.com/spf13/cobra"
)

// engineCmd represents the engine command
var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Start the exchange connectivity engine",
	Long: `The engine maintains local mirrors of exchange state (order books,
balances, orders), drives every order through its lifecycle with retry and
reconciliation, and serves the HTTP control surface. One engine instance owns
one trading account; a Redis processing lock enforces the singleton.`,
	Run: bootstrap.StartEngine,
}

func init() {
	rootCmd.AddCommand(engineCmd)
}
