// cmd/cachectl is the CLI entry-point built with Cobra, a thin wrapper over
// internal/client for interactive and scripted use against a single node.
//
// Usage:
//
//	cachectl put mykey '"hello world"'    --server http://localhost:8080
//	cachectl get mykey                    --server http://localhost:8080
//	cachectl delete mykey                 --server http://localhost:8080
//	cachectl stats                        --server http://localhost:8080
//	cachectl nodes                        --server http://localhost:8080
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ringcache/internal/client"
)

var (
	serverAddr string
	timeout    time.Duration
	ttl        time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "cachectl",
		Short: "CLI client for a ringcache node",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "ringcache node address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(putCmd(), getCmd(), deleteCmd(), statsCmd(), nodesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func putCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <key> <json-value>",
		Short: "Store a key-value pair; value must be valid JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
				return fmt.Errorf("value must be valid JSON: %w", err)
			}
			c := client.New(serverAddr, timeout)
			if err := c.Put(context.Background(), args[0], value, ttl); err != nil {
				return err
			}
			fmt.Printf("stored %q\n", args[0])
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expiry, 0 means no expiry")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			var out json.RawMessage
			err := c.Get(context.Background(), args[0], &out)
			if errors.Is(err, client.ErrNotFound) {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the contacted node's statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			stats, err := c.Stats(context.Background())
			if err != nil {
				return err
			}
			return prettyPrint(stats)
		},
	}
}

func nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List cluster membership as seen by the contacted node",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			nodes, err := c.Nodes(context.Background())
			if err != nil {
				return err
			}
			return prettyPrint(nodes)
		},
	}
}

func prettyPrint(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
