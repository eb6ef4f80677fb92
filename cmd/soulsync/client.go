package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/spf13/cobra"

	"github.com/openmined/soulsnaps/internal/config"
	"github.com/openmined/soulsnaps/internal/controlplane"
	"github.com/openmined/soulsnaps/internal/syncmgr"
	"github.com/openmined/soulsnaps/internal/version"
)

const controlPlaneTimeout = 5 * time.Second

// controlPlaneClient talks to a running daemon
type controlPlaneClient struct {
	client *req.Client
}

func newControlPlaneClient(cfg *config.Config) (*controlPlaneClient, error) {
	if cfg.ControlPlane.Token == "" {
		return nil, fmt.Errorf("no control plane token in %s, is the daemon initialized?", cfg.Path)
	}

	addr := cfg.ControlPlane.Addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}

	client := req.C().
		SetBaseURL(addr).
		SetTimeout(controlPlaneTimeout).
		SetCommonBearerAuthToken(cfg.ControlPlane.Token).
		SetCommonErrorResult(&controlplane.ErrorResponse{})
	return &controlPlaneClient{client: client}, nil
}

func (c *controlPlaneClient) Status(ctx context.Context) (*syncmgr.Metrics, error) {
	var metrics syncmgr.Metrics
	if err := c.do(ctx, "GET", "/v1/sync/status", nil, &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

func (c *controlPlaneClient) Version(ctx context.Context) (*version.Info, error) {
	var info version.Info
	if err := c.do(ctx, "GET", "/", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *controlPlaneClient) Tasks(ctx context.Context) ([]controlplane.TaskInfo, error) {
	var resp controlplane.TasksResponse
	if err := c.do(ctx, "GET", "/v1/sync/tasks", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (c *controlPlaneClient) SyncNow(ctx context.Context) error {
	return c.do(ctx, "POST", "/v1/sync/now", nil, nil)
}

func (c *controlPlaneClient) Retry(ctx context.Context, key string) (int, error) {
	var resp controlplane.RetryResponse
	if err := c.do(ctx, "POST", "/v1/sync/retry", controlplane.RetryRequest{Key: key}, &resp); err != nil {
		return 0, err
	}
	return resp.Retried, nil
}

func (c *controlPlaneClient) do(ctx context.Context, method, path string, body, result any) error {
	r := c.client.R().SetContext(ctx)
	if body != nil {
		r.SetBody(body)
	}
	if result != nil {
		r.SetSuccessResult(result)
	}

	resp, err := r.Send(method, path)
	if err != nil {
		return fmt.Errorf("control plane unreachable: %w", err)
	}
	if resp.IsErrorState() {
		if apiErr, ok := resp.ErrorResult().(*controlplane.ErrorResponse); ok && apiErr.Error != "" {
			return fmt.Errorf("control plane: %s (%s)", apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("control plane: %s", resp.Status)
	}
	return nil
}

func clientFromCmd(cmd *cobra.Command) (*controlPlaneClient, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cmd.SilenceUsage = true
	return newControlPlaneClient(cfg)
}
