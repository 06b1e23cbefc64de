package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aide-ai/aide/internal/chat"
	"github.com/aide-ai/aide/internal/event"
	"github.com/aide-ai/aide/internal/storage"
)

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export <sessionID>",
	Short: "Print a stored session",
	Long: `Export prints the exchanges of a stored session in the portable export
format, as JSON or YAML.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Output format (json|yaml)")
}

func runExport(cmd *cobra.Command, args []string) error {
	env, err := bootstrap(false)
	if err != nil {
		return err
	}

	bus := event.NewBus()
	defer bus.Close()
	svc := chat.NewService(storage.New(env.paths.StoragePath()), bus, chat.ServiceOptions{})

	model, err := svc.LoadSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer model.Dispose()

	exported, err := model.ToExport()
	if err != nil {
		return fmt.Errorf("failed to export session %s: %w", args[0], err)
	}
	return writeExport(cmd.OutOrStdout(), exported, exportFormat)
}

// writeExport encodes v as indented JSON or as YAML. YAML output goes
// through the JSON form so embedded raw JSON becomes plain YAML nodes.
func writeExport(w io.Writer, v any, format string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	switch format {
	case "json", "":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml", "yml":
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want json or yaml)", format)
	}
}
