package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/assistd/internal/api"
	"github.com/kalambet/assistd/internal/config"
	"github.com/kalambet/assistd/internal/ingest"
	"github.com/kalambet/assistd/internal/tenant"
)

// assistantPath builds the REST alias for a tenant department.
func assistantPath(tenantID, dept string, suffix string) string {
	p := "/v1/tenants/" + url.PathEscape(tenantID) + "/assistants/" + url.PathEscape(dept)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// readDocuments loads files for inline upload.
func readDocuments(paths []string) ([]api.DocumentInput, error) {
	docs := make([]api.DocumentInput, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		docs = append(docs, api.DocumentInput{
			Name:      filepath.Base(p),
			Content:   base64.StdEncoding.EncodeToString(data),
			MediaType: mediaTypeOf(p, data),
		})
	}
	return docs, nil
}

func mediaTypeOf(path string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		mt, _, err := mime.ParseMediaType(t)
		if err == nil {
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

type ingestionResult struct {
	ProcessedCount int                      `json:"processed_count"`
	VectorStoreID  string                   `json:"vector_store_id"`
	Failed         []ingest.DocumentOutcome `json:"failed"`
	Skipped        []ingest.DocumentOutcome `json:"skipped"`
}

func printIngestion(r ingestionResult) {
	printStatus("Processed", "%d", r.ProcessedCount)
	if r.VectorStoreID != "" {
		printStatus("Vector store", "%s", r.VectorStoreID)
	}
	for _, s := range r.Skipped {
		printWarning("skipped %s: %s", s.Name, s.Reason)
	}
	for _, f := range r.Failed {
		printError("failed %s: %s", f.Name, f.Reason)
	}
}

// --- provision ---

var provisionCmd = &cobra.Command{
	Use:   "provision <tenant> <department>",
	Short: "Create the assistant for a tenant department",
	Long: `Create the assistant for a tenant department. Provisioning is idempotent:
an existing assistant is returned unchanged.

Examples:
  assistd provision acme sales
  assistd provision acme customer_service --file faq.pdf --file pricing.md`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, _ := cmd.Flags().GetStringArray("file")
		docs, err := readDocuments(files)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{}
		if len(docs) > 0 {
			body["documents"] = docs
		}
		resp, err := client.post(cmd.Context(), assistantPath(args[0], args[1], ""), body)
		if err != nil {
			return err
		}

		var result struct {
			AgentID   string           `json:"agent_id"`
			Created   bool             `json:"created"`
			Ingestion *ingestionResult `json:"ingestion"`
			Warning   string           `json:"warning"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Created {
			printSuccess("Created %s assistant for %s: %s", args[1], args[0], result.AgentID)
		} else {
			printSuccess("Assistant already exists: %s", result.AgentID)
		}
		if result.Ingestion != nil {
			printIngestion(*result.Ingestion)
		}
		if result.Warning != "" {
			printWarning("%s", result.Warning)
		}
		return nil
	},
}

func init() {
	provisionCmd.Flags().StringArray("file", nil, "document to train on (repeatable)")
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <tenant> <department>",
	Short: "Train an existing assistant",
	Long: `Train an existing assistant on documents, business information and the
text of a website.

Examples:
  assistd ingest acme sales --file catalog.pdf
  assistd ingest acme marketing --business-info "We sell handmade soap" --website https://acme.example`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, _ := cmd.Flags().GetStringArray("file")
		info, _ := cmd.Flags().GetString("business-info")
		site, _ := cmd.Flags().GetString("website")

		if len(files) == 0 && info == "" && site == "" {
			return errors.New("one of --file, --business-info, or --website is required")
		}

		docs, err := readDocuments(files)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), assistantPath(args[0], args[1], "documents"), map[string]any{
			"documents":     docs,
			"business_info": info,
			"website_url":   site,
		})
		if err != nil {
			return err
		}

		var result ingestionResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printIngestion(result)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringArray("file", nil, "document to train on (repeatable)")
	ingestCmd.Flags().String("business-info", "", "free-text description of the business")
	ingestCmd.Flags().String("website", "", "website to summarize and train on")
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <tenant> <department> <message>",
	Short: "Send one message to a department assistant",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), assistantPath(args[0], args[1], "chat"), map[string]any{
			"message": strings.Join(args[2:], " "),
		})
		if err != nil {
			return err
		}

		var result struct {
			Reply string `json:"reply"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.Reply)
		return nil
	},
}

// --- tenant ---

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Register tenants and inspect their assistants",
}

var tenantRegisterCmd = &cobra.Command{
	Use:   "register <id>",
	Short: "Register or rename a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = args[0]
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/v1/tenants/"+url.PathEscape(args[0]), map[string]string{"name": name})
		if err != nil {
			return err
		}

		var t tenant.Tenant
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}
		printSuccess("Registered tenant %s (%s)", t.ID, t.Name)
		return nil
	},
}

var tenantShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a tenant and its assistants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/tenants/"+url.PathEscape(args[0])+"/assistants")
		if err != nil {
			return err
		}

		var cfg tenant.Config
		if err := decodeJSON(resp, &cfg); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		}

		fmt.Fprintf(out, "%s %s\n", colorize(colorBold, cfg.Tenant.ID), cfg.Tenant.Name)
		for _, d := range tenant.Departments {
			reg, ok := cfg.Assistants[d]
			if !ok {
				fmt.Fprintf(out, "  %-17s %s\n", d, colorize(colorYellow, "not provisioned"))
				continue
			}
			line := fmt.Sprintf("  %-17s %s", d, colorize(colorCyan, reg.AgentID))
			if reg.VectorStoreID != "" {
				line += "  store " + reg.VectorStoreID
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

func init() {
	tenantRegisterCmd.Flags().String("name", "", "display name (defaults to the id)")
	tenantShowCmd.Flags().Bool("json", false, "print the raw tenant configuration")
	tenantCmd.AddCommand(tenantRegisterCmd)
	tenantCmd.AddCommand(tenantShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(config.LoadPartial()) {
			fmt.Fprintf(out, "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
