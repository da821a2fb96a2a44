package csnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/yutampo/yutampo/pkg/log"
)

// Configured registers the csnet flags and returns a client that is filled in
// once lflag.Configure has run. Call Validate before using it.
func Configured() *Client {
	c := &Client{}

	baseURL := lflag.String("csnet-url", "https://www.csnetmanager.com", "Base URL of the CSNet Manager service")
	username := lflag.String("csnet-username", "", "CSNet Manager account username")
	password := lflag.String("csnet-password", "", "CSNet Manager account password")
	timeout := lflag.Duration("csnet-timeout", 30*time.Second, "Timeout for each request to CSNet Manager")
	simulate := lflag.Bool("csnet-simulate", false, "Run against an in-process simulator instead of CSNet Manager")

	lflag.Do(func() {
		cfg := Config{
			BaseURL:  *baseURL,
			Username: *username,
			Password: *password,
			Timeout:  *timeout,
		}
		if *simulate {
			url, err := serveSimulator(NewSimulator(SimulatorConfig{}))
			if err != nil {
				c.configErr = fmt.Errorf("failed to start csnet simulator: %w", err)
				return
			}
			cfg.BaseURL = url
			cfg.Username = SimulatorUsername
			cfg.Password = SimulatorPassword
			log.Ctx(context.Background()).Warn("using csnet simulator", slog.String("url", url))
		}
		c.configErr = c.configure(cfg)
	})

	return c
}

// Validate checks that the flags produced a usable client.
func (c *Client) Validate() error {
	if c.configErr != nil {
		return c.configErr
	}
	if c.client == nil {
		return errors.New("csnet client not configured")
	}
	if c.username == "" {
		return errors.New("csnet-username is required")
	}
	if c.password == "" {
		return errors.New("csnet-password is required")
	}
	return nil
}

func serveSimulator(h http.Handler) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go srv.Serve(ln)
	return "http://" + ln.Addr().String(), nil
}
