package commands

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// FetchResult is the JSON form of the fetch command output.
type FetchResult struct {
	URL       string              `json:"url"`
	FinalURL  string              `json:"finalUrl"`
	Status    int                 `json:"status"`
	FromCache bool                `json:"fromCache"`
	Headers   map[string][]string `json:"headers"`
	Body      string              `json:"body,omitempty"`
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Download a module through the cache",
		Long: `Fetch a URL with the same client and cache policy the language
server uses, and print the body. Fresh cached responses are served
without touching the network.`,
		Example: `  importls fetch https://esm.sh/react@18
  importls fetch https://esm.sh/react@18 --headers`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			headers, _ := cmd.Flags().GetBool("headers")
			return runFetch(cmd, args[0], headers)
		},
	}

	cmd.Flags().Bool("headers", false, "Print status and headers instead of the body")
	return cmd
}

func runFetch(cmd *cobra.Command, url string, headersOnly bool) error {
	c := NewCommandContext(cmd)
	store, err := c.OpenStore()
	if err != nil {
		c.Renderer.Warn("%v", err)
		store = nil
	}
	defer closeStore(store, c.Logger)

	resp, err := c.Fetcher(store).Fetch(cmd.Context(), url)
	if err != nil {
		return err
	}

	r := c.Renderer
	if r.IsJSON() {
		result := FetchResult{
			URL:       resp.RequestURL,
			FinalURL:  resp.URL,
			Status:    resp.StatusCode,
			FromCache: resp.FromCache,
			Headers:   resp.Header,
		}
		if !headersOnly {
			result.Body = string(resp.Body)
		}
		return r.JSON(result)
	}

	if headersOnly {
		r.Printf("%d %s\n", resp.StatusCode, resp.URL)
		names := make([]string, 0, len(resp.Header))
		for name := range resp.Header {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			for _, v := range resp.Header[name] {
				r.Printf("%s: %s\n", name, v)
			}
		}
	} else {
		_, _ = r.Out().Write(resp.Body)
	}

	if !resp.OK() {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return nil
}
