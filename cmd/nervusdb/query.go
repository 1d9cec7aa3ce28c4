package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nervusdb/nervusdb/pkg/cypher"
)

func newQueryCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "query [cypher]",
		Short: "Run a Cypher statement against the database and print the result",
		Long:  "Runs one statement (from the first argument, or --file) through the Cypher parser and streaming executor, then prints the returned columns as a text table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var src string
			switch {
			case file != "":
				raw, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("reading %s: %w", file, err)
				}
				src = string(raw)
			case len(args) == 1:
				src = args[0]
			default:
				return fmt.Errorf("query: provide a Cypher statement as an argument or --file")
			}

			engine, _, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			stmt, err := cypher.Prepare(src)
			if err != nil {
				return fmt.Errorf("parsing statement: %w", err)
			}
			result, err := cypher.Execute(engine, stmt, nil)
			if err != nil {
				return fmt.Errorf("executing statement: %w", err)
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Read the Cypher statement from this file instead of an argument")
	return cmd
}

func printResult(r *cypher.Result) {
	if len(r.Columns) == 0 {
		fmt.Printf("%d row(s)\n", len(r.Rows))
		return
	}
	fmt.Println(strings.Join(r.Columns, " | "))
	for _, row := range r.Rows {
		cells := make([]string, len(r.Columns))
		for i, col := range r.Columns {
			cells[i] = formatValue(row[col])
		}
		fmt.Println(strings.Join(cells, " | "))
	}
	fmt.Printf("(%d row(s))\n", len(r.Rows))
}

func formatValue(v cypher.Value) string {
	switch {
	case v.IsNull():
		return "null"
	case v.IsBool():
		return strconv.FormatBool(v.Bool())
	case v.IsInt():
		return strconv.FormatInt(v.Int(), 10)
	case v.IsFloat():
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case v.IsString():
		return v.Str()
	case v.IsNode():
		n := v.NodeVal()
		return fmt.Sprintf("(%s:%s)", n.ExternalID, strings.Join(n.Labels, ":"))
	case v.IsRel():
		e := v.RelVal()
		return fmt.Sprintf("[:%s]", e.Type)
	case v.IsList():
		items := v.ListItems()
		cells := make([]string, len(items))
		for i, item := range items {
			cells[i] = formatValue(item)
		}
		return "[" + strings.Join(cells, ", ") + "]"
	default:
		return v.TypeName()
	}
}
