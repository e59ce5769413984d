package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deye-bridge/deye-bridge/internal/pkg/bridge"
	"github.com/deye-bridge/deye-bridge/internal/pkg/handlers"
	"github.com/deye-bridge/deye-bridge/internal/pkg/logging"
	"github.com/deye-bridge/deye-bridge/pkg/middlewares"
)

var _serveCmdOpts struct {
	appID         string
	appSecret     string
	email         string
	password      string
	baseURL       string
	tokenFile     string
	apiTimeout    time.Duration
	pollInterval  time.Duration
	cycleDeadline time.Duration
	workers       int
	maxRetries    int

	httpPort        uint16
	readTimeout     time.Duration
	writeTimeout    time.Duration
	gracefulTimeout time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge daemon",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doServe(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("deye.app-id", "deye.app-secret", "deye.email", "deye.password")
	},
}

func init() {
	serveCmd.Flags().StringVar(&_serveCmdOpts.appID, "app-id", "", "App ID from the Deye developer portal")
	serveCmd.Flags().StringVar(&_serveCmdOpts.appSecret, "app-secret", "", "App Secret from the Deye developer portal")
	serveCmd.Flags().StringVar(&_serveCmdOpts.email, "email", "", "Deye Cloud account email")
	serveCmd.Flags().StringVar(&_serveCmdOpts.password, "password", "", "Deye Cloud account password")
	serveCmd.Flags().StringVar(&_serveCmdOpts.baseURL, "base-url", "", "Deye Cloud API base URL (default EU region)")
	serveCmd.Flags().StringVar(&_serveCmdOpts.tokenFile, "token-file", "", "File to stash the access token between runs")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.apiTimeout, "api-timeout", time.Second*30, "maximum duration of a Deye API call, eg. 1m or 10s")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.pollInterval, "poll-interval", time.Second*60, "how often to refresh device state, eg. 1m or 30s")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.cycleDeadline, "cycle-deadline", time.Second*45, "overall deadline for one poll cycle")
	serveCmd.Flags().IntVar(&_serveCmdOpts.workers, "workers", 4, "concurrent device fetches per cycle")
	serveCmd.Flags().IntVar(&_serveCmdOpts.maxRetries, "max-retries", 2, "per-device retries after a transient failure")
	serveCmd.Flags().Uint16Var(&_serveCmdOpts.httpPort, "http-port", 8343, "HTTP port number")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.readTimeout, "read-timeout", time.Second*15, "duration to wait for request read, eg. 1m or 10s")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.writeTimeout, "write-timeout", time.Second*60, "duration to wait for request write, eg. 1m or 10s")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for server to finish, eg. 1m or 10s")

	errPanic(viper.GetViper().BindPFlag("deye.app-id", serveCmd.Flags().Lookup("app-id")))
	errPanic(viper.GetViper().BindPFlag("deye.app-secret", serveCmd.Flags().Lookup("app-secret")))
	errPanic(viper.GetViper().BindPFlag("deye.email", serveCmd.Flags().Lookup("email")))
	errPanic(viper.GetViper().BindPFlag("deye.password", serveCmd.Flags().Lookup("password")))
	errPanic(viper.GetViper().BindPFlag("deye.base-url", serveCmd.Flags().Lookup("base-url")))
	errPanic(viper.GetViper().BindPFlag("deye.token-file", serveCmd.Flags().Lookup("token-file")))
	errPanic(viper.GetViper().BindPFlag("deye.api-timeout", serveCmd.Flags().Lookup("api-timeout")))
	errPanic(viper.GetViper().BindPFlag("poll.interval", serveCmd.Flags().Lookup("poll-interval")))
	errPanic(viper.GetViper().BindPFlag("poll.cycle-deadline", serveCmd.Flags().Lookup("cycle-deadline")))
	errPanic(viper.GetViper().BindPFlag("poll.workers", serveCmd.Flags().Lookup("workers")))
	errPanic(viper.GetViper().BindPFlag("poll.max-retries", serveCmd.Flags().Lookup("max-retries")))
	errPanic(viper.GetViper().BindPFlag("http.port", serveCmd.Flags().Lookup("http-port")))
	errPanic(viper.GetViper().BindPFlag("http.read-timeout", serveCmd.Flags().Lookup("read-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.write-timeout", serveCmd.Flags().Lookup("write-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.graceful-timeout", serveCmd.Flags().Lookup("graceful-timeout")))

	rootCmd.AddCommand(serveCmd)
}

func doServe() error {
	wait := viper.GetDuration("http.graceful-timeout")
	port := viper.GetUint("http.port")

	b := bridge.New()

	initCtx, initCancel := context.WithTimeout(context.Background(), time.Minute)
	defer initCancel()

	err := b.Initialize(initCtx, bridge.Options{
		BaseURL:       viper.GetString("deye.base-url"),
		AppID:         viper.GetString("deye.app-id"),
		AppSecret:     viper.GetString("deye.app-secret"),
		Email:         viper.GetString("deye.email"),
		Password:      viper.GetString("deye.password"),
		TokenFile:     viper.GetString("deye.token-file"),
		APITimeout:    viper.GetDuration("deye.api-timeout"),
		PollInterval:  viper.GetDuration("poll.interval"),
		CycleDeadline: viper.GetDuration("poll.cycle-deadline"),
		Workers:       viper.GetInt("poll.workers"),
		MaxRetries:    viper.GetInt("poll.max-retries"),
	}, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer b.Close()

	api := handlers.NewAPI(b)

	r := mux.NewRouter()
	r.Use(middlewares.NewCorsMw(cors.Options{}))
	r.Use(middlewares.NewLoggingMw())
	r.Use(middlewares.NewRecoveryMw())
	r.Use(middlewares.NewCorrelationMw("X-Correlation-ID"))
	api.Routes(r)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		ReadTimeout:  viper.GetDuration("http.read-timeout"),
		WriteTimeout: viper.GetDuration("http.write-timeout"),
		IdleTimeout:  time.Second * 60,
		Handler:      r,
	}

	logging.Logger(nil).Infof("Serving on port %d", port)
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger(nil).WithError(err).Error("running server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal
	<-c

	// Create a deadline to wait for.
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	logging.Logger(nil).Info("shutting down")
	if err := s.Shutdown(ctx); err != nil {
		logging.Logger(nil).WithError(err).Errorf("shutting down")
	}
	logging.Logger(nil).Info("exiting")
	return nil
}
