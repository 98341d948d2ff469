package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/everclear-net/mark/chainclient"
	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/num"
	"github.com/everclear-net/mark/oracle"
	"github.com/everclear-net/mark/wallet"
)

var dumpConfigCommand = &cli.Command{
	Name:        "dumpconfig",
	Usage:       "Export the effective configuration as TOML",
	Description: "Loads the configuration file, overlays the defaults and prints the result, so operators can see what the daemon would actually run with.",
	Action: func(ctx *cli.Context) error {
		setupLogging(ctx)
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		out, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var routesCommand = &cli.Command{
	Name:  "routes",
	Usage: "List the declared rebalance routes",
	Action: func(ctx *cli.Context) error {
		setupLogging(ctx)
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Origin", "Destination", "Asset", "Bridges", "Slippage (dbps)", "Maximum"})
		for _, rc := range cfg.Routes {
			symbol := rc.Asset.Hex()
			if asset, err := cfg.AssetByAddress(rc.Origin, rc.Asset); err == nil {
				symbol = asset.Symbol
			}
			if rc.DestinationAsset != (common.Address{}) {
				if dest, err := cfg.AssetByAddress(rc.Destination, rc.DestinationAsset); err == nil {
					symbol += " -> " + dest.Symbol
				}
			}
			slips := make([]string, len(rc.SlippagesDbps))
			for i, s := range rc.SlippagesDbps {
				slips[i] = strconv.FormatInt(s, 10)
			}
			maximum := "-"
			if rc.Maximum != nil {
				maximum = (*big.Int)(rc.Maximum).String()
			}
			table.Append([]string{
				strconv.FormatUint(rc.Origin, 10),
				strconv.FormatUint(rc.Destination, 10),
				symbol,
				strings.Join(rc.Preferences, ","),
				strings.Join(slips, ","),
				maximum,
			})
		}
		table.Render()
		return nil
	},
}

var balancesCommand = &cli.Command{
	Name:        "balances",
	Usage:       "Snapshot inventory balances across all chains",
	Description: "Reads every configured (chain, asset) pair plus the hub custody ledger and prints the canonical balances, the way one loop tick sees them.",
	Action: func(ctx *cli.Context) error {
		setupLogging(ctx)
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		secrets, err := config.LoadSecrets(os.Getenv)
		if err != nil {
			return err
		}
		logger := log.New("command", "balances")

		clients := chainclient.NewService(cfg, logger)
		defer clients.Close()
		wallets, err := wallet.NewService(cfg, secrets, logger)
		if err != nil {
			return err
		}

		snapCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		snap := oracle.New(cfg, clients, wallets, logger).Snapshot(snapCtx)

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Asset", "Chain", "Balance", "Custodied", "Gas (wei)"})

		type row struct {
			symbol string
			chain  uint64
		}
		var rows []row
		for ticker, byChain := range snap.Balances {
			for chain := range byChain {
				symbol := ticker.Hex()[:10]
				if asset, err := cfg.AssetByTicker(chain, ticker); err == nil {
					symbol = asset.Symbol
				}
				rows = append(rows, row{symbol: symbol, chain: chain})
			}
		}
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].symbol != rows[j].symbol {
				return rows[i].symbol < rows[j].symbol
			}
			return rows[i].chain < rows[j].chain
		})
		for _, r := range rows {
			ticker := config.TickerFor(r.symbol)
			table.Append([]string{
				r.symbol,
				strconv.FormatUint(r.chain, 10),
				num.FormatDecimal(snap.Balance(ticker, r.chain), 18),
				num.FormatDecimal(snap.CustodiedAmount(ticker, r.chain), 18),
				fmt.Sprint(snap.Gas[r.chain]),
			})
		}
		table.Render()
		return nil
	},
}
