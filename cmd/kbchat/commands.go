package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/kbchat/internal/config"
)

type categoryInfo struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	DefaultPrompt string `json:"defaultPrompt"`
	SourceCount   int    `json:"sourceCount"`
}

type promptInfo struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Category string `json:"categoryName"`
	Version  int    `json:"version"`
}

type sourceInfo struct {
	FileName    string `json:"fileName"`
	Origin      string `json:"origin"`
	ContentType string `json:"contentType"`
	Chunks      int    `json:"chunks"`
}

type chatInfo struct {
	ID           string   `json:"chatId"`
	Name         string   `json:"chatName"`
	Category     string   `json:"categoryName"`
	Model        string   `json:"modelName"`
	Sources      []string `json:"sources"`
	AllSources   bool     `json:"allSources"`
	MessageCount int      `json:"messageCount"`
	Messages     []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type askResult struct {
	Answer   string   `json:"answer"`
	ChatID   string   `json:"chatId"`
	Model    string   `json:"modelName"`
	Category string   `json:"categoryName"`
	Sources  []string `json:"sources"`
}

// setIfChanged copies string flags the user actually passed into params.
func setIfChanged(cmd *cobra.Command, params url.Values, flagToParam map[string]string) {
	for flag, param := range flagToParam {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetString(flag)
			params.Set(param, v)
		}
	}
}

func postAndReport(cmd *cobra.Command, path string, params url.Values, v any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(cmd.Context(), path, params)
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

// --- category ---

var categoryCmd = &cobra.Command{
	Use:     "category",
	Aliases: []string{"categories"},
	Short:   "Manage knowledge-base categories",
}

var categoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List categories",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/aiChat/getCategories", nil)
		if err != nil {
			return err
		}
		var cats []categoryInfo
		if err := decodeJSON(resp, &cats); err != nil {
			return err
		}
		if len(cats) == 0 {
			fmt.Println("No categories.")
			return nil
		}
		for _, c := range cats {
			line := fmt.Sprintf("%s  %d sources", colorize(colorBold, c.Name), c.SourceCount)
			if c.DefaultPrompt != "" {
				line += "  prompt: " + c.DefaultPrompt
			}
			if c.Description != "" {
				line += "  " + truncate(c.Description, 60)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var categoryCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a category",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		var c categoryInfo
		if err := postAndReport(cmd, "/aiChat/createCategory", url.Values{"name": {args[0]}, "description": {description}}, &c); err != nil {
			return err
		}
		printSuccess("Created category %s", c.Name)
		return nil
	},
}

var categoryEditCmd = &cobra.Command{
	Use:   "edit <name>",
	Short: "Rename a category or change its description or default prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := url.Values{"oldName": {args[0]}}
		setIfChanged(cmd, params, map[string]string{
			"name":        "newName",
			"description": "description",
			"prompt":      "defaultPrompt",
		})
		if len(params) == 1 {
			return fmt.Errorf("nothing to change: pass --name, --description or --prompt")
		}
		var c categoryInfo
		if err := postAndReport(cmd, "/aiChat/editCategory", params, &c); err != nil {
			return err
		}
		printSuccess("Updated category %s", c.Name)
		return nil
	},
}

var categoryRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a category with its sources and chats",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Sources int `json:"removedSources"`
			Chats   int `json:"removedChats"`
		}
		if err := postAndReport(cmd, "/aiChat/removeCategory", url.Values{"name": {args[0]}}, &res); err != nil {
			return err
		}
		printSuccess("Removed category %s (%d sources, %d chats)", args[0], res.Sources, res.Chats)
		return nil
	},
}

func init() {
	categoryCreateCmd.Flags().String("description", "", "category description")
	categoryEditCmd.Flags().String("name", "", "new category name")
	categoryEditCmd.Flags().String("description", "", "new description")
	categoryEditCmd.Flags().String("prompt", "", "default prompt title (empty clears it)")
	categoryCmd.AddCommand(categoryListCmd, categoryCreateCmd, categoryEditCmd, categoryRemoveCmd)
}

// --- prompt ---

var promptCmd = &cobra.Command{
	Use:     "prompt",
	Aliases: []string{"prompts"},
	Short:   "Manage prompt templates",
}

var promptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompt templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/aiChat/getPrompts", nil)
		if err != nil {
			return err
		}
		var prompts []promptInfo
		if err := decodeJSON(resp, &prompts); err != nil {
			return err
		}
		if len(prompts) == 0 {
			fmt.Println("No prompts.")
			return nil
		}
		for _, p := range prompts {
			fmt.Printf("%s  v%d  %s\n", colorize(colorBold, p.Title), p.Version, truncate(strings.ReplaceAll(p.Content, "\n", " "), 70))
		}
		return nil
	},
}

// promptContent reads --content or, failing that, --file.
func promptContent(cmd *cobra.Command) (string, bool, error) {
	if cmd.Flags().Changed("content") {
		v, _ := cmd.Flags().GetString("content")
		return v, true, nil
	}
	if cmd.Flags().Changed("file") {
		path, _ := cmd.Flags().GetString("file")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", false, fmt.Errorf("reading file: %w", err)
		}
		return string(data), true, nil
	}
	return "", false, nil
}

var promptCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a prompt template",
	Long: `Create a prompt template. Templates may reference {prompt}, {query},
{category} and {chat}.

Examples:
  kbchat prompt create Brief --content "Answer in two sentences: {prompt}"
  kbchat prompt create Persona --file ./persona.txt --category Marketing`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, ok, err := promptContent(cmd)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("one of --content or --file is required")
		}
		params := url.Values{"title": {args[0]}, "content": {content}}
		setIfChanged(cmd, params, map[string]string{"category": "categoryName"})
		var p promptInfo
		if err := postAndReport(cmd, "/aiChat/createPrompt", params, &p); err != nil {
			return err
		}
		printSuccess("Created prompt %s", p.Title)
		return nil
	},
}

var promptEditCmd = &cobra.Command{
	Use:   "edit <title>",
	Short: "Rename a prompt template or change its content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := url.Values{"oldTitle": {args[0]}}
		content, ok, err := promptContent(cmd)
		if err != nil {
			return err
		}
		if ok {
			params.Set("content", content)
		}
		setIfChanged(cmd, params, map[string]string{"title": "title", "category": "categoryName"})
		if len(params) == 1 {
			return fmt.Errorf("nothing to change: pass --title, --content, --file or --category")
		}
		var p promptInfo
		if err := postAndReport(cmd, "/aiChat/editPrompt", params, &p); err != nil {
			return err
		}
		printSuccess("Updated prompt %s (version %d)", p.Title, p.Version)
		return nil
	},
}

var promptRemoveCmd = &cobra.Command{
	Use:   "remove <title>",
	Short: "Remove a prompt template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res map[string]string
		if err := postAndReport(cmd, "/aiChat/removePrompt", url.Values{"title": {args[0]}}, &res); err != nil {
			return err
		}
		printSuccess("Removed prompt %s", args[0])
		return nil
	},
}

var promptShowCmd = &cobra.Command{
	Use:   "show <title>",
	Short: "Print a prompt template's content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/aiChat/downloadPromptTxt", url.Values{"promptTitle": {args[0]}})
		if err != nil {
			return err
		}
		return saveBody(resp, os.Stdout)
	},
}

func init() {
	for _, c := range []*cobra.Command{promptCreateCmd, promptEditCmd} {
		c.Flags().String("content", "", "template text")
		c.Flags().String("file", "", "read template text from a file")
		c.Flags().String("category", "", "category the template belongs to")
	}
	promptEditCmd.Flags().String("title", "", "new title")
	promptCmd.AddCommand(promptListCmd, promptCreateCmd, promptEditCmd, promptRemoveCmd, promptShowCmd)
}

// --- source ---

var sourceCmd = &cobra.Command{
	Use:     "source",
	Aliases: []string{"sources"},
	Short:   "Manage the documents of a category",
}

var sourceListCmd = &cobra.Command{
	Use:   "list <category>",
	Short: "List a category's sources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/aiChat/getSources", url.Values{"categoryName": {args[0]}})
		if err != nil {
			return err
		}
		var sources []sourceInfo
		if err := decodeJSON(resp, &sources); err != nil {
			return err
		}
		if len(sources) == 0 {
			fmt.Println("No sources.")
			return nil
		}
		for _, s := range sources {
			fmt.Printf("%s  %s  %s  %d chunks\n", colorize(colorBold, s.FileName), s.Origin, s.ContentType, s.Chunks)
		}
		return nil
	},
}

var sourceAddCmd = &cobra.Command{
	Use:   "add <category> [file]",
	Short: "Upload a file or fetch a link into a category",
	Long: `Upload a file or fetch a link into a category.

Examples:
  kbchat source add Marketing ./brief.txt
  kbchat source add Marketing --link https://example.com/plan.html --name plan.html`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		link, _ := cmd.Flags().GetString("link")
		if (len(args) == 2) == (link != "") {
			return fmt.Errorf("exactly one of a file argument or --link is required")
		}
		params := url.Values{"categoryName": {args[0]}}
		setIfChanged(cmd, params, map[string]string{"link": "link", "name": "fileName"})

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var s sourceInfo
		if link != "" {
			resp, err := client.post(cmd.Context(), "/aiChat/upload", params)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &s); err != nil {
				return err
			}
		} else {
			resp, err := client.upload(cmd.Context(), "/aiChat/upload", params, args[1])
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &s); err != nil {
				return err
			}
		}
		printSuccess("Added %s to %s (%d chunks)", s.FileName, args[0], s.Chunks)
		return nil
	},
}

var sourceRemoveCmd = &cobra.Command{
	Use:   "remove <category> <file name>",
	Short: "Remove a source from a category",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res map[string]string
		if err := postAndReport(cmd, "/aiChat/removeSource", url.Values{"categoryName": {args[0]}, "fileName": {args[1]}}, &res); err != nil {
			return err
		}
		printSuccess("Removed %s from %s", args[1], args[0])
		return nil
	},
}

var sourceDownloadCmd = &cobra.Command{
	Use:   "download <category> <file name>",
	Short: "Download a source's original bytes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/aiChat/download", url.Values{"categoryName": {args[0]}, "fileName": {args[1]}})
		if err != nil {
			return err
		}
		if output == "" {
			return saveBody(resp, os.Stdout)
		}
		f, err := os.Create(output)
		if err != nil {
			resp.Body.Close()
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		if err := saveBody(resp, f); err != nil {
			return err
		}
		printSuccess("Saved %s", output)
		return nil
	},
}

func init() {
	sourceAddCmd.Flags().String("link", "", "URL to fetch instead of uploading a file")
	sourceAddCmd.Flags().String("name", "", "file name to store the source under")
	sourceDownloadCmd.Flags().StringP("output", "o", "", "output file path (default: stdout)")
	sourceCmd.AddCommand(sourceListCmd, sourceAddCmd, sourceRemoveCmd, sourceDownloadCmd)
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:     "chat",
	Aliases: []string{"chats"},
	Short:   "Manage chats",
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/aiChat/getChats", nil)
		if err != nil {
			return err
		}
		var chats []chatInfo
		if err := decodeJSON(resp, &chats); err != nil {
			return err
		}
		if len(chats) == 0 {
			fmt.Println("No chats.")
			return nil
		}
		for _, c := range chats {
			category := c.Category
			if category == "" {
				category = "-"
			}
			fmt.Printf("%s  %s  %s  %s  %d messages\n",
				colorize(colorCyan, c.ID), c.Name, category, c.Model, c.MessageCount)
		}
		return nil
	},
}

var chatShowCmd = &cobra.Command{
	Use:   "show <chat id>",
	Short: "Show a chat with its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/aiChat/getChat", url.Values{"chatId": {args[0]}})
		if err != nil {
			return err
		}
		var c chatInfo
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		printStatus("Chat", "%s (%s)", c.Name, c.ID)
		printStatus("Model", "%s", c.Model)
		if c.Category != "" {
			printStatus("Category", "%s", c.Category)
		}
		if !c.AllSources {
			printStatus("Sources", "%s", strings.Join(c.Sources, ", "))
		}
		for _, m := range c.Messages {
			fmt.Printf("\n%s\n%s\n", colorize(colorBold, "["+m.Role+"]"), m.Content)
		}
		return nil
	},
}

var chatCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		params := url.Values{"modelName": {model}}
		setIfChanged(cmd, params, map[string]string{"category": "categoryName"})
		var c chatInfo
		if err := postAndReport(cmd, "/aiChat/createChat", params, &c); err != nil {
			return err
		}
		printSuccess("Created chat %s", c.ID)
		fmt.Println(c.ID)
		return nil
	},
}

var chatEditCmd = &cobra.Command{
	Use:   "edit <chat id>",
	Short: "Rename a chat or change its model, category or source scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"chatId": args[0]}
		for flag, field := range map[string]string{"name": "chatName", "model": "modelName", "category": "categoryName"} {
			if cmd.Flags().Changed(flag) {
				v, _ := cmd.Flags().GetString(flag)
				body[field] = v
			}
		}
		if cmd.Flags().Changed("sources") {
			sources, _ := cmd.Flags().GetStringSlice("sources")
			body["sources"] = sources
		}
		if all, _ := cmd.Flags().GetBool("all-sources"); all {
			body["allSources"] = true
		}
		if len(body) == 1 {
			return fmt.Errorf("nothing to change")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.postJSON(cmd.Context(), "/aiChat/editChat", body)
		if err != nil {
			return err
		}
		var c chatInfo
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		printSuccess("Updated chat %s", c.ID)
		return nil
	},
}

var chatRemoveCmd = &cobra.Command{
	Use:   "remove <chat id>",
	Short: "Remove a chat and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res map[string]string
		if err := postAndReport(cmd, "/aiChat/removeChat", url.Values{"chatId": {args[0]}}, &res); err != nil {
			return err
		}
		printSuccess("Removed chat %s", args[0])
		return nil
	},
}

func init() {
	chatCreateCmd.Flags().String("model", "openchat", "model name from the catalog")
	chatCreateCmd.Flags().String("category", "", "category to bind the chat to")
	chatEditCmd.Flags().String("name", "", "new chat name")
	chatEditCmd.Flags().String("model", "", "new model name")
	chatEditCmd.Flags().String("category", "", "new category (empty unbinds)")
	chatEditCmd.Flags().StringSlice("sources", nil, "restrict retrieval to these source file names")
	chatEditCmd.Flags().Bool("all-sources", false, "search every source of the category")
	chatCmd.AddCommand(chatListCmd, chatShowCmd, chatCreateCmd, chatEditCmd, chatRemoveCmd)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <chat id> <question>",
	Short: "Ask a question in a chat",
	Long: `Ask a question in a chat. The answer is grounded in the chat's category
and stored in its history.

Examples:
  kbchat ask 3f1c... "Who is the Q3 campaign for?"
  kbchat ask 3f1c... "Summarize the budget" --prompt Brief`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := url.Values{
			"chatId": {args[0]},
			"prompt": {strings.Join(args[1:], " ")},
		}
		setIfChanged(cmd, params, map[string]string{
			"category": "categoryName",
			"prompt":   "promptTemplateTitle",
			"executor": "executor",
		})
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/aiChat/ask", params)
		if err != nil {
			return err
		}
		var res askResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, res)
		}
		fmt.Println(res.Answer)
		if len(res.Sources) > 0 {
			fmt.Fprintln(os.Stderr, colorize(colorCyan, "sources: "+strings.Join(res.Sources, ", ")))
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("category", "", "category hint; must match the chat's category")
	askCmd.Flags().String("prompt", "", "prompt template title")
	askCmd.Flags().String("executor", "", "name recorded with the interaction")
	askCmd.Flags().Bool("json", false, "print the full response as JSON")
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the model catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/aiChat/getModels", nil)
		if err != nil {
			return err
		}
		var list []struct {
			Name        string `json:"name"`
			Provider    string `json:"provider"`
			ModelID     string `json:"modelId"`
			Description string `json:"description"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		for _, m := range list {
			fmt.Printf("%s  %s/%s  %s\n", colorize(colorBold, m.Name), m.Provider, m.ModelID, m.Description)
		}
		return nil
	},
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
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
