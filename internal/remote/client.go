package remote

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// #region wire-types

// ConfigureRequest tells the runner which model to materialize.
type ConfigureRequest struct {
	ModelPath         string `json:"model_path"`
	Device            string `json:"device"`
	NumLayersUnfrozen int    `json:"num_layers_unfrozen"`
	NumQHeads         int    `json:"num_q_heads"`
}

// ConfigureResponse reports the loaded model's vocabulary size.
type ConfigureResponse struct {
	VocabSize int `json:"vocab_size"`
}

// ForwardRequest carries one padded batch.
type ForwardRequest struct {
	Tokens [][]int     `json:"tokens"`
	Mask   [][]float32 `json:"mask"`
}

// ForwardResponse carries per-token head outputs, [head][batch][time] for
// the Q tensors and [batch][time] for the rest.
type ForwardResponse struct {
	Q       [][][]float32 `json:"q"`
	TargetQ [][][]float32 `json:"target_q"`
	V       [][]float32   `json:"v"`
	LogProb [][]float32   `json:"log_prob"`
}

// ApplyRequest carries per-token gradient signals back to the runner along
// with the optimizer knobs for this step.
type ApplyRequest struct {
	Tokens      [][]int       `json:"tokens"`
	Mask        [][]float32   `json:"mask"`
	DQ          [][][]float32 `json:"dq"`
	DV          [][]float32   `json:"dv"`
	DLogProb    [][]float32   `json:"dlog_prob"`
	LR          float32       `json:"lr"`
	Clip        float32       `json:"clip"`
	WeightDecay float32       `json:"weight_decay"`
}

// ApplyResponse reports the pre-clip global gradient norm.
type ApplyResponse struct {
	GradNorm float32 `json:"grad_norm"`
}

// QParamsRequest selects the online or target Q-head parameters.
type QParamsRequest struct {
	Target bool `json:"target"`
}

// QParamsResponse returns flattened per-head parameter vectors.
type QParamsResponse struct {
	Params [][]float32 `json:"params"`
}

// SetTargetQRequest overwrites the target Q-head parameters.
type SetTargetQRequest struct {
	Params [][]float32 `json:"params"`
}

// SetTargetQResponse is empty.
type SetTargetQResponse struct{}

// SnapshotRequest is empty.
type SnapshotRequest struct{}

// SnapshotResponse carries an opaque serialized model+optimizer state.
type SnapshotResponse struct {
	Blob []byte `json:"blob"`
}

// RestoreRequest carries a snapshot blob back to the runner.
type RestoreRequest struct {
	Blob []byte `json:"blob"`
}

// RestoreResponse is empty.
type RestoreResponse struct{}

// #endregion wire-types

// #region client

// Invoker is the subset of grpc.ClientConn used by the client. Tests inject
// a fake; production uses the real connection.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// Client wraps the gRPC connection to the model-runner process.
type Client struct {
	conn *grpc.ClientConn
	inv  Invoker
}

// NewClient connects to the model-runner gRPC server.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, inv: conn}, nil
}

// NewClientWithInvoker creates a Client with an injected transport.
// Used for testing without a real gRPC connection.
func NewClientWithInvoker(inv Invoker) *Client {
	return &Client{inv: inv}
}

// Close shuts down the gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	// The runner speaks JSON framing; see codec.go.
	if err := c.inv.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return fmt.Errorf("%s rpc: %w", method, err)
	}
	return nil
}

// Configure materializes the model on the runner side.
func (c *Client) Configure(ctx context.Context, req ConfigureRequest) (ConfigureResponse, error) {
	var resp ConfigureResponse
	err := c.call(ctx, "/ilql.Runner/Configure", &req, &resp)
	return resp, err
}

// Forward runs a forward pass over one batch.
func (c *Client) Forward(ctx context.Context, req ForwardRequest) (ForwardResponse, error) {
	var resp ForwardResponse
	err := c.call(ctx, "/ilql.Runner/Forward", &req, &resp)
	return resp, err
}

// Apply backpropagates per-token gradient signals and steps the optimizer.
func (c *Client) Apply(ctx context.Context, req ApplyRequest) (ApplyResponse, error) {
	var resp ApplyResponse
	err := c.call(ctx, "/ilql.Runner/Apply", &req, &resp)
	return resp, err
}

// QParams fetches flattened Q-head parameters (online or target).
func (c *Client) QParams(ctx context.Context, target bool) (QParamsResponse, error) {
	var resp QParamsResponse
	err := c.call(ctx, "/ilql.Runner/QParams", &QParamsRequest{Target: target}, &resp)
	return resp, err
}

// SetTargetQ overwrites the runner's target Q-head parameters.
func (c *Client) SetTargetQ(ctx context.Context, params [][]float32) error {
	var resp SetTargetQResponse
	return c.call(ctx, "/ilql.Runner/SetTargetQ", &SetTargetQRequest{Params: params}, &resp)
}

// Snapshot serializes the runner's model+optimizer state.
func (c *Client) Snapshot(ctx context.Context) ([]byte, error) {
	var resp SnapshotResponse
	if err := c.call(ctx, "/ilql.Runner/Snapshot", &SnapshotRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Blob, nil
}

// Restore loads a snapshot blob into the runner.
func (c *Client) Restore(ctx context.Context, blob []byte) error {
	var resp RestoreResponse
	return c.call(ctx, "/ilql.Runner/Restore", &RestoreRequest{Blob: blob}, &resp)
}

// #endregion client
