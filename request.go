package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mieweb/mieapi-go/internal/mieapi"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <endpoint> [key=value...]",
		Short: "Read records from an endpoint",
		Example: `  mieapi get Patient pat_id=42
  mieapi get db/custom_table limit=10`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, http.MethodGet, args)
		},
	}
}

func newPostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "post <endpoint> [key=value...]",
		Short: "Create records on an endpoint",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, http.MethodPost, args)
		},
	}

	cmd.Flags().String("data", "", "JSON body: literal, @file, or - for stdin")

	return cmd
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <endpoint> [key=value...]",
		Short: "Update records on an endpoint",
		Long: `Update records on an endpoint. The backend expects an array of records;
a single JSON object is wrapped in a one-element array.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, http.MethodPut, args)
		},
	}

	cmd.Flags().String("data", "", "JSON body: literal, @file, or - for stdin")

	return cmd
}

func newLayoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "layout <module> <name> [key=value...]",
		Short:   "Run a server-side layout",
		Example: `  mieapi layout BlueHive Patient_Summary pat_id=42`,
		Args:    cobra.MinimumNArgs(2),
		RunE:    runLayout,
	}

	cmd.Flags().Bool("no-raw", false, "do not request raw output")
	cmd.Flags().Bool("no-json", false, "do not request JSON output; print the body as is")

	return cmd
}

func runCall(cmd *cobra.Command, method string, args []string) error {
	params, err := parseParams(args[1:])
	if err != nil {
		return err
	}

	var body any

	if f := cmd.Flags().Lookup("data"); f != nil {
		data, err := readData(f.Value.String(), cmd.InOrStdin())
		if err != nil {
			return err
		}

		if data != nil {
			body = data
		}
	}

	return withRuntime(cmd, func(ctx context.Context, rt *apiRuntime) error {
		var (
			payload json.RawMessage
			err     error
		)

		switch method {
		case http.MethodPut:
			payload, err = rt.client.Put(ctx, args[0], params, body)
		default:
			payload, err = rt.client.Call(ctx, method, args[0], params, body)
		}

		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), payload, prettyOutput())
	})
}

func runLayout(cmd *cobra.Command, args []string) error {
	params, err := parseParams(args[2:])
	if err != nil {
		return err
	}

	noRaw, err := cmd.Flags().GetBool("no-raw")
	if err != nil {
		return err
	}

	noJSON, err := cmd.Flags().GetBool("no-json")
	if err != nil {
		return err
	}

	return withRuntime(cmd, func(ctx context.Context, rt *apiRuntime) error {
		payload, err := rt.client.FetchLayout(ctx, mieapi.LayoutRequest{
			Module:   args[0],
			Name:     args[1],
			Params:   params,
			OmitRaw:  noRaw,
			OmitJSON: noJSON,
		})
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), payload, prettyOutput())
	})
}

// withRuntime builds the runtime from the resolved config, runs fn, and
// releases the runtime.
func withRuntime(cmd *cobra.Command, fn func(context.Context, *apiRuntime) error) (err error) {
	logger := buildLogger()

	rt, err := newRuntime(resolvedCfg, logger)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := rt.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return fn(cmd.Context(), rt)
}

// prettyOutput indents payloads for a terminal unless --json asks for
// machine output.
func prettyOutput() bool {
	return !flagJSON && isTerminal(os.Stdout)
}

// parseParams turns key=value arguments into query parameters. Repeated
// keys accumulate.
func parseParams(args []string) (url.Values, error) {
	params := url.Values{}

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", arg)
		}

		params.Add(key, value)
	}

	return params, nil
}

// readData loads a request body given as a JSON literal, "@path", or "-"
// for stdin. An empty src means no body.
func readData(src string, stdin io.Reader) (json.RawMessage, error) {
	var (
		raw []byte
		err error
	)

	switch {
	case src == "":
		return nil, nil
	case src == "-":
		raw, err = io.ReadAll(stdin)
	case strings.HasPrefix(src, "@"):
		raw, err = os.ReadFile(strings.TrimPrefix(src, "@"))
	default:
		raw = []byte(src)
	}

	if err != nil {
		return nil, fmt.Errorf("reading --data: %w", err)
	}

	if !json.Valid(raw) {
		return nil, errors.New("--data is not valid JSON")
	}

	return json.RawMessage(raw), nil
}
