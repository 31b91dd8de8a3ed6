// Command askr is the Askr graph database CLI: run single statements,
// open an interactive shell, replay the WAL, or inspect store counters.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/askrdb/askr/pkg/askr"
	"github.com/askrdb/askr/pkg/config"
	"github.com/askrdb/askr/pkg/graph"
	"github.com/askrdb/askr/pkg/storage"
	"github.com/askrdb/askr/pkg/txn"
)

var (
	version = "dev"
	commit  = "unknown"
)

func getEnvStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Database.DataDir = dir
	}
	return cfg, nil
}

func openDB(cmd *cobra.Command) (*askr.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return askr.Open(cmd.Context(), cfg)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "askr",
		Short: "Askr - graph database over a content-addressed store",
		Long: `Askr is an embedded graph database with a Cypher front end.
Graph state lives in a content-addressed block store; every committed
transaction is made durable through a write-ahead log before it becomes
visible.`,
	}
	rootCmd.PersistentFlags().String("config", getEnvStr("ASKR_CONFIG", ""), "Config file (YAML)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (empty = in-memory)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("askr v%s (%s)\n", version, commit)
		},
	})

	queryCmd := &cobra.Command{
		Use:   "query <statement>",
		Short: "Run one Cypher statement and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	queryCmd.Flags().String("params", "", "Query parameters as a JSON object")
	rootCmd.AddCommand(queryCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "shell",
		Short: "Interactive Cypher shell",
		RunE:  runShell,
	})

	recoverCmd := &cobra.Command{
		Use:   "recover <wal-file>",
		Short: "Replay a WAL into a fresh in-memory store and report what it holds",
		Args:  cobra.ExactArgs(1),
		RunE:  runRecover,
	}
	rootCmd.AddCommand(recoverCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print node, relationship, and transaction counters",
		RunE:  runStats,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	var params map[string]any
	if raw, _ := cmd.Flags().GetString("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return fmt.Errorf("parse --params: %w", err)
		}
	}

	res, err := db.ExecuteQuery(cmd.Context(), args[0], params, 0)
	if err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}

func runShell(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "askr v%s shell. Terminate statements with ';', exit with :quit.\n", version)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var buf strings.Builder
	fmt.Fprint(out, "askr> ")
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if buf.Len() == 0 && (trimmed == ":quit" || trimmed == ":exit") {
			break
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		if !strings.HasSuffix(trimmed, ";") {
			fmt.Fprint(out, "  ... ")
			continue
		}
		stmt := strings.TrimSuffix(strings.TrimSpace(buf.String()), ";")
		buf.Reset()
		if stmt != "" {
			res, err := db.ExecuteQuery(cmd.Context(), stmt, nil, 0)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			} else {
				printResult(out, res)
			}
		}
		fmt.Fprint(out, "askr> ")
	}
	return scanner.Err()
}

func runRecover(cmd *cobra.Command, args []string) error {
	wal, err := txn.OpenWAL(args[0])
	if err != nil {
		return err
	}
	defer wal.Close()

	eng := graph.NewEngine(storage.NewMemoryBlockstore())
	defer eng.Close()
	count, err := txn.Recover(cmd.Context(), eng, wal)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	nodes, err := eng.NodeCount(ctx)
	if err != nil {
		return err
	}
	rels, err := eng.RelCount(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "replayed %d commit(s): %d node(s), %d relationship(s), seq %d\n",
		count, nodes, rels, eng.CurrentSeq())
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "nodes:          %d\n", stats.Nodes)
	fmt.Fprintf(out, "relationships:  %d\n", stats.Relationships)
	fmt.Fprintf(out, "committed txns: %d\n", stats.Txn.Committed)
	fmt.Fprintf(out, "conflicts:      %d\n", stats.Txn.Conflicts)
	fmt.Fprintf(out, "wal bytes:      %d\n", stats.Txn.WALBytes)
	return nil
}

func printResult(out io.Writer, res *askr.Result) {
	if len(res.Columns) == 0 {
		fmt.Fprintf(out, "ok (created %d node(s), %d relationship(s), set %d propert(ies), deleted %d node(s))\n",
			res.Stats.NodesCreated, res.Stats.RelationshipsCreated,
			res.Stats.PropertiesSet, res.Stats.NodesDeleted)
		return
	}
	fmt.Fprintln(out, strings.Join(res.Columns, "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(res.Columns))
		for i, col := range res.Columns {
			cells[i] = renderValue(row[col])
		}
		fmt.Fprintln(out, strings.Join(cells, "\t"))
	}
	fmt.Fprintf(out, "(%d row(s))\n", len(res.Rows))
}

func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case *graph.Node:
		return fmt.Sprintf("(%s:%s)", x.ID, strings.Join(x.Labels, ":"))
	case *graph.Relationship:
		return fmt.Sprintf("[%s:%s]", x.ID, x.Type)
	default:
		return fmt.Sprint(v)
	}
}
