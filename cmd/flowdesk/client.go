package main

import (
	"fmt"

	"github.com/serviceflow/flowdesk/internal/api"
	"github.com/serviceflow/flowdesk/internal/config"
)

// newAPIClient builds a client for the local server. Tests replace it.
var newAPIClient = func() (*api.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}

	return api.NewClient(serverURL(cfg), token), nil
}

func serverURL(cfg config.Config) string {
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
}
