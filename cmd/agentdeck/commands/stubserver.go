package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/backend/stub"
	"github.com/agentdeck/agentdeck/internal/logging"
)

var (
	stubPort       int
	stubHostname   string
	stubSecret     string
	stubChunkSize  int
	stubChunkDelay time.Duration
)

var stubServerCmd = &cobra.Command{
	Use:   "stub-server",
	Short: "Run a local development backend",
	Long: `Run the stub backend: an echo agent that streams replies in small
fragments, useful for developing against agentdeck without a real
model behind it.`,
	RunE: runStubServer,
}

func init() {
	stubServerCmd.Flags().IntVarP(&stubPort, "port", "p", 3284, "Port to listen on")
	stubServerCmd.Flags().StringVar(&stubHostname, "hostname", "127.0.0.1", "Hostname to listen on")
	stubServerCmd.Flags().StringVar(&stubSecret, "secret", "", "Require this X-Secret-Key on every request")
	stubServerCmd.Flags().IntVar(&stubChunkSize, "chunk-size", 3, "Characters per streamed fragment")
	stubServerCmd.Flags().DurationVar(&stubChunkDelay, "chunk-delay", 30*time.Millisecond, "Pause between fragments")
}

func runStubServer(cmd *cobra.Command, args []string) error {
	_, stopWatch, err := setup()
	if err != nil {
		return err
	}
	defer stopWatch()

	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", stubHostname, stubPort),
		Handler: stub.New(stub.Options{
			SecretKey:  stubSecret,
			ChunkSize:  stubChunkSize,
			ChunkDelay: stubChunkDelay,
		}).Handler(),
	}

	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("stub backend listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error().Err(err).Msg("stub backend failed")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down stub backend")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
