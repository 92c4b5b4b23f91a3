package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"modcollect/internal/catalog"
	"modcollect/internal/config"
	"modcollect/internal/decoder"
)

func newDecodeCmd() *cobra.Command {
	var (
		hexStr     string
		fieldFlags []string
		fieldsFile string
		typ        string
	)

	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode a hex payload against a field template",
		Long: "Decode a hex payload (spaces allowed) against a field template and print the\n" +
			"record as JSON. Without --hex the payload is read from stdin.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			specs, err := collectFieldSpecs(fieldFlags, fieldsFile, typ)
			if err != nil {
				return err
			}
			tpl, err := catalog.TemplateSpec{Fields: specs}.Template("cli")
			if err != nil {
				return err
			}
			if hexStr == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				hexStr = string(b)
			}
			raw, err := decoder.ParseHex(hexStr)
			if err != nil {
				return err
			}

			rec := decoder.Decode(raw, tpl.Fields, time.Now())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	cmd.Flags().StringVar(&hexStr, "hex", "", "payload as hex")
	cmd.Flags().StringArrayVarP(&fieldFlags, "field", "f", nil, "field as key:TYPE[:scale], repeatable")
	cmd.Flags().StringVar(&fieldsFile, "fields", "", "json/yaml file holding a list of fields")
	cmd.Flags().StringVarP(&typ, "type", "t", "", "decode the whole payload as a single field named value")
	return cmd
}

func collectFieldSpecs(flags []string, file, typ string) ([]catalog.FieldSpec, error) {
	var out []catalog.FieldSpec
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := config.DecodeStrict(file, b, &out); err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
	}
	for _, f := range flags {
		fs, err := parseFieldFlag(f)
		if err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	if typ != "" {
		out = append(out, catalog.FieldSpec{Key: "value", Type: typ})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no fields: use --field, --fields or --type")
	}
	return out, nil
}

func parseFieldFlag(s string) (catalog.FieldSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return catalog.FieldSpec{}, fmt.Errorf("field %q: want key:TYPE[:scale]", s)
	}
	fs := catalog.FieldSpec{Key: strings.TrimSpace(parts[0]), Type: strings.TrimSpace(parts[1])}
	if fs.Key == "" {
		return catalog.FieldSpec{}, fmt.Errorf("field %q: empty key", s)
	}
	if len(parts) == 3 {
		scale, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return catalog.FieldSpec{}, fmt.Errorf("field %q: scale: %w", s, err)
		}
		fs.Scale = &scale
	}
	return fs, nil
}
