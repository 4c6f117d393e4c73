package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"asi-llm/internal/agent"
	"asi-llm/internal/config"
	"asi-llm/internal/domain"
	"asi-llm/internal/llm"
	"asi-llm/internal/server"
)

func newCompleteCmd(cfg func() *config.Config) *cobra.Command {
	var stream bool
	cmd := &cobra.Command{
		Use:   "complete <prompt>",
		Short: "Complete a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg())
			if err != nil {
				return err
			}
			defer a.Close()

			prompt := strings.Join(args, " ")
			out := cmd.OutOrStdout()
			if !stream {
				resp, err := a.model.Complete(cmd.Context(), prompt)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, resp.Text)
				return nil
			}
			for chunk, err := range a.model.StreamComplete(cmd.Context(), prompt) {
				if err != nil {
					return err
				}
				fmt.Fprint(out, chunk.Delta)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "print tokens as they arrive")
	return cmd
}

func newChatCmd(cfg func() *config.Config) *cobra.Command {
	var system string
	var stream bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively, one message per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg())
			if err != nil {
				return err
			}
			defer a.Close()

			var history []llm.ChatMessage
			if system != "" {
				history = append(history, llm.SystemMessage(system))
			}
			out := cmd.OutOrStdout()
			return chatLoop(cmd.Context(), a.model, history, stream, newLineReader(cmd.InOrStdin(), out), out)
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().BoolVar(&stream, "stream", true, "print tokens as they arrive")
	return cmd
}

// chatLoop reads user lines until end of input or an exit command and keeps
// the conversation history.
func chatLoop(ctx context.Context, model llm.StreamingModel, history []llm.ChatMessage, stream bool, in lineReader, out io.Writer) error {
	for {
		line, ok := in.ReadLine()
		if !ok {
			if r, isScan := in.(*scanReader); isScan {
				return r.Err()
			}
			return nil
		}
		if line == "" {
			continue
		}
		history = append(history, llm.UserMessage(line))

		var reply string
		if stream {
			for chunk, err := range model.StreamChat(ctx, history) {
				if err != nil {
					return err
				}
				fmt.Fprint(out, chunk.Delta)
				reply = chunk.Message.Content
			}
			fmt.Fprintln(out)
		} else {
			resp, err := model.Chat(ctx, history)
			if err != nil {
				return err
			}
			reply = resp.Message.Content
			fmt.Fprintln(out, reply)
		}
		history = append(history, llm.AssistantMessage(reply))
	}
}

func newIndexCmd(cfg func() *config.Config) *cobra.Command {
	var exts []string
	cmd := &cobra.Command{
		Use:   "index <dir>",
		Short: "Index the documents under a directory into the configured vector store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if c.Storage.Driver == config.DriverMemory {
				slog.Warn("memory storage driver does not persist the index")
			}
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.withRetrieval(cmd.Context()); err != nil {
				return err
			}
			n, err := a.indexDirectory(cmd.Context(), args[0], exts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d nodes\n", n)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&exts, "ext", nil, "file extensions to load (default .txt,.md,.markdown,.rst)")
	return cmd
}

func newQueryCmd(cfg func() *config.Config) *cobra.Command {
	var dir string
	var exts []string
	var stream, sources bool
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question from indexed documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.withRetrieval(cmd.Context()); err != nil {
				return err
			}
			if dir != "" {
				if _, err := a.indexDirectory(cmd.Context(), dir, exts); err != nil {
					return err
				}
			}

			q := strings.Join(args, " ")
			out := cmd.OutOrStdout()
			if !stream {
				resp, err := a.engine.Query(cmd.Context(), q)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, resp.Text)
				if sources {
					printSources(out, resp.SourceNodes)
				}
				return nil
			}

			resp, err := a.engine.StreamQuery(cmd.Context(), q)
			if err != nil {
				return err
			}
			for delta, err := range resp.Deltas {
				if err != nil {
					return err
				}
				fmt.Fprint(out, delta)
			}
			fmt.Fprintln(out)
			if sources {
				printSources(out, resp.SourceNodes)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&dir, "dir", "", "index this directory before querying")
	f.StringSliceVar(&exts, "ext", nil, "file extensions to load with --dir")
	f.BoolVar(&stream, "stream", false, "print tokens as they arrive")
	f.BoolVar(&sources, "sources", false, "print the source nodes")
	return cmd
}

// sourcePreviewWidth is the terminal width of a printed source excerpt.
const sourcePreviewWidth = 80

func printSources(out io.Writer, nodes []domain.NodeWithScore) {
	for i, n := range nodes {
		text := runewidth.Truncate(strings.ReplaceAll(n.Node.Text, "\n", " "), sourcePreviewWidth, "...")
		fmt.Fprintf(out, "[%d] %s (score %.3f): %s\n", i+1, n.Node.DocumentID, n.Score, text)
	}
}

func newServeCmd(cfg func() *config.Config) *cobra.Command {
	var withIndex bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, MCP endpoint and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			// Verify LLM connection
			if p, ok := a.model.(server.Pinger); ok {
				if err := p.Ping(cmd.Context()); err != nil {
					return fmt.Errorf("llm health check failed: %w", err)
				}
			}

			var opts []server.Option
			if withIndex {
				if err := a.withRetrieval(cmd.Context()); err != nil {
					return err
				}
				opts = append(opts, server.WithIndex(a.index, a.engine))
			}
			srv := server.New(c, a.model, opts...)

			httpServer := &http.Server{
				Addr:         fmt.Sprintf(":%d", c.Server.Port),
				Handler:      srv.Handler(),
				ReadTimeout:  c.Server.ReadTimeout,
				WriteTimeout: c.Server.WriteTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				slog.Info("server starting", "port", c.Server.Port)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			// Wait for interrupt signal to gracefully shutdown the server
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-quit:
			case err := <-errCh:
				return fmt.Errorf("server start failed: %w", err)
			}
			slog.Info("server stopping")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown forced: %w", err)
			}

			// Wait for background indexing jobs
			slog.Info("waiting for tasks")
			done := make(chan struct{})
			go func() {
				srv.WaitForCompletion()
				close(done)
			}()
			select {
			case <-done:
				slog.Info("tasks completed")
			case <-time.After(30 * time.Second):
				slog.Warn("task timeout, exiting")
			}

			slog.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&withIndex, "index", true, "enable the document and query routes")
	return cmd
}

func newMCPCmd(cfg func() *config.Config) *cobra.Command {
	var withIndex bool
	var dir string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg())
			if err != nil {
				return err
			}
			defer a.Close()

			var opts []server.Option
			if withIndex {
				if err := a.withRetrieval(cmd.Context()); err != nil {
					return err
				}
				if dir != "" {
					if _, err := a.indexDirectory(cmd.Context(), dir, nil); err != nil {
						return err
					}
				}
				opts = append(opts, server.WithIndex(a.index, a.engine))
			}
			srv := server.New(cfg(), a.model, opts...)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			slog.Info("mcp server starting", "transport", "stdio")
			return srv.MCP().Run(ctx, &mcp.StdioTransport{})
		},
	}
	cmd.Flags().BoolVar(&withIndex, "index", true, "expose the query_documents tool")
	cmd.Flags().StringVar(&dir, "dir", "", "index this directory at startup")
	return cmd
}

func newAgentCmd(cfg func() *config.Config) *cobra.Command {
	var dir, runtime string
	var maxIterations int
	cmd := &cobra.Command{
		Use:   "agent <question>",
		Short: "Answer with a ReAct agent that may consult the indexed documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.withRetrieval(cmd.Context()); err != nil {
				return err
			}
			if dir != "" {
				if _, err := a.indexDirectory(cmd.Context(), dir, nil); err != nil {
					return err
				}
			}

			ag, err := agent.New(a.model, a.engine, maxIterations)
			if err != nil {
				return err
			}
			question := strings.Join(args, " ")
			var answer string
			switch runtime {
			case "langchain":
				answer, err = ag.Run(cmd.Context(), question)
			case "adk":
				answer, err = ag.RunADK(cmd.Context(), question)
			default:
				return fmt.Errorf("unknown agent runtime: %q", runtime)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "index this directory first")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 5, "maximum reasoning steps")
	cmd.Flags().StringVar(&runtime, "runtime", "langchain", "agent runtime: langchain or adk")
	return cmd
}
