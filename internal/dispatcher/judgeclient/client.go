package judgeclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"judgedispatch/internal/dispatcher/model"
	appErr "judgedispatch/pkg/errors"
	"judgedispatch/pkg/utils/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Transport selects how a judge request waits for its verdict.
type Transport string

const (
	TransportPoll     Transport = "poll"
	TransportBlocking Transport = "blocking"
)

const (
	defaultUsername       = "ejudge"
	defaultJudgeTimeout   = time.Hour
	defaultRequestTimeout = 30 * time.Second
	defaultUploadTimeout  = 5 * time.Minute
	defaultPollInterval   = 500 * time.Millisecond
	defaultPollTimeout    = 15 * time.Minute
)

// Config holds judge client settings.
type Config struct {
	Username        string        `yaml:"username"`
	Transport       Transport     `yaml:"transport"`
	DisableFallback bool          `yaml:"disableFallback"`
	JudgeTimeout    time.Duration `yaml:"judgeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	UploadTimeout   time.Duration `yaml:"uploadTimeout"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	PollTimeout     time.Duration `yaml:"pollTimeout"`
}

func (c *Config) applyDefaults() {
	if c.Username == "" {
		c.Username = defaultUsername
	}
	if c.Transport == "" {
		c.Transport = TransportPoll
	}
	if c.JudgeTimeout <= 0 {
		c.JudgeTimeout = defaultJudgeTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = defaultUploadTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
}

// Client talks to judge nodes over HTTP.
type Client struct {
	cfg  Config
	http *resty.Client
}

// New creates a judge client.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if cfg.Transport != TransportPoll && cfg.Transport != TransportBlocking {
		return nil, fmt.Errorf("unknown judge transport %q", cfg.Transport)
	}
	client := resty.New().
		SetAllowGetMethodPayload(true).
		SetHeader("Accept", "application/json")
	return &Client{cfg: cfg, http: client}, nil
}

func (c *Client) r(ctx context.Context, node *model.Node) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.Username, node.Token)
}

func endpoint(node *model.Node, path string) string {
	addr := strings.TrimRight(node.Address, "/")
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return addr + path
}

// Judge sends a holding request and waits for the final verdict.
func (c *Client) Judge(ctx context.Context, node *model.Node, req *Request) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.JudgeTimeout)
	defer cancel()

	body := *req
	body.Hold = true
	resp, err := c.r(ctx, node).SetBody(&body).Post(endpoint(node, "/judge"))
	if err != nil {
		return nil, transportError(err, "judge")
	}
	reply, err := c.decode(resp, node)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Watch submits without holding, expecting a bare acknowledgement, then polls /query until
// handler reports Final.
func (c *Client) Watch(ctx context.Context, node *model.Node, req *Request, handler Handler) (*Reply, error) {
	if handler == nil {
		handler = DefaultHandler
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	body := *req
	body.Hold = false
	submitCtx, submitCancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	resp, err := c.r(submitCtx, node).SetBody(&body).Post(endpoint(node, "/judge"))
	submitCancel()
	if err != nil {
		return nil, transportError(err, "judge")
	}
	if err := checkAck(resp); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	query := map[string]string{"fingerprint": req.Fingerprint}
	for {
		select {
		case <-ctx.Done():
			return nil, appErr.Wrapf(ctx.Err(), appErr.JudgeTimeout, "polling judge %s timed out", req.Fingerprint)
		case <-ticker.C:
		}
		pollCtx, pollCancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		resp, err := c.r(pollCtx, node).SetBody(query).Get(endpoint(node, "/query"))
		pollCancel()
		if err != nil {
			return nil, transportError(err, "query")
		}
		reply, err := c.decode(resp, node)
		if err != nil {
			return nil, err
		}
		if handler(reply) == Final {
			return reply, nil
		}
	}
}

// Dispatch runs a judge request with the configured transport. A failed poll falls back to a
// blocking request unless fallback is disabled or the context is done.
func (c *Client) Dispatch(ctx context.Context, node *model.Node, req *Request, handler Handler) (*Reply, error) {
	if handler == nil {
		handler = DefaultHandler
	}
	if c.cfg.Transport == TransportPoll {
		reply, err := c.Watch(ctx, node, req, handler)
		if err == nil {
			return reply, nil
		}
		if c.cfg.DisableFallback || ctx.Err() != nil {
			return nil, err
		}
		logger.Warn(ctx, "poll transport failed, falling back to blocking judge",
			zap.Int64("node_id", node.ID), zap.Error(err))
		retry := *req
		retry.Fingerprint = NewFingerprint()
		req = &retry
	}
	reply, err := c.Judge(ctx, node, req)
	if err != nil {
		return nil, err
	}
	handler(reply)
	return reply, nil
}

// Upload sends a test-data package for problemID.
func (c *Client) Upload(ctx context.Context, node *model.Node, problemID int64, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()
	resp, err := c.r(ctx, node).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(data).
		Post(endpoint(node, fmt.Sprintf("/upload/%d", problemID)))
	if err != nil {
		return appErr.Wrapf(transportError(err, "upload"), appErr.SyncFailure, "upload problem %d failed", problemID)
	}
	if err := checkAck(resp); err != nil {
		return appErr.Wrapf(err, appErr.SyncFailure, "upload problem %d failed", problemID)
	}
	return nil
}

// UploadSpecialProgram sends a checker, validator or interactor.
func (c *Client) UploadSpecialProgram(ctx context.Context, node *model.Node, program *model.SpecialProgram) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	body := map[string]string{
		"fingerprint": program.Fingerprint,
		"language":    program.Language,
		"code":        program.Code,
	}
	resp, err := c.r(ctx, node).SetBody(body).Post(endpoint(node, "/upload/"+string(program.Kind)))
	if err != nil {
		return appErr.Wrapf(transportError(err, "upload"), appErr.SyncFailure, "upload %s %s failed", program.Kind, program.Fingerprint)
	}
	if err := checkAck(resp); err != nil {
		return appErr.Wrapf(err, appErr.SyncFailure, "upload %s %s failed", program.Kind, program.Fingerprint)
	}
	return nil
}

// Ping checks liveness and returns the node version when it reports one.
func (c *Client) Ping(ctx context.Context, node *model.Node) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	resp, err := c.r(ctx, node).Get(endpoint(node, "/ping"))
	if err != nil {
		return "", appErr.Wrapf(transportError(err, "ping"), appErr.NodeUnreachable, "ping node %d failed", node.ID)
	}
	if resp.IsError() {
		return "", appErr.Newf(appErr.NodeUnreachable, "ping node %d: http %d", node.ID, resp.StatusCode())
	}
	if strings.Trim(strings.TrimSpace(resp.String()), `"`) != "pong" {
		return "", appErr.Newf(appErr.MalformedResponse, "ping node %d: unexpected body %q", node.ID, resp.String())
	}

	var info struct {
		Version string `json:"version"`
	}
	infoResp, err := c.r(ctx, node).SetResult(&info).Get(endpoint(node, "/info"))
	if err != nil || infoResp.IsError() {
		return "", nil
	}
	return info.Version, nil
}

// UpdateToken asks the node to accept newToken from now on. Auth still uses the current token.
func (c *Client) UpdateToken(ctx context.Context, node *model.Node, newToken string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	resp, err := c.r(ctx, node).
		SetBody(map[string]string{"token": newToken}).
		Post(endpoint(node, "/config/token"))
	if err != nil {
		return appErr.Wrapf(transportError(err, "config"), appErr.NodeUnreachable, "update token of node %d failed", node.ID)
	}
	return checkAck(resp)
}

func (c *Client) decode(resp *resty.Response, node *model.Node) (*Reply, error) {
	if resp.IsError() {
		return nil, appErr.Newf(appErr.RemoteReject, "judge node answered http %d", resp.StatusCode())
	}
	reply, err := DecodeReply(resp.Body())
	if err != nil {
		return nil, err
	}
	reply.scaleTimes(node.Multiplier())
	return reply, nil
}

func checkAck(resp *resty.Response) error {
	if resp.StatusCode() == http.StatusUnauthorized {
		return appErr.New(appErr.RemoteReject).WithMessage("judge node refused credentials")
	}
	if resp.IsError() {
		return appErr.Newf(appErr.RemoteReject, "judge node answered http %d", resp.StatusCode())
	}
	return ackOnly(resp.Body())
}

func transportError(err error, op string) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return appErr.Wrapf(err, appErr.JudgeTimeout, "%s request timed out", op)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return appErr.Wrapf(err, appErr.NodeUnreachable, "%s request failed", op)
}
