package codec

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/crtomo-controller/internal/forward"
	"github.com/danielpatrickdp/crtomo-controller/internal/state"
	"gonum.org/v1/gonum/mat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	forwardMethod     = "/crtomo.v1.ForwardService/Forward"
	sensitivityMethod = "/crtomo.v1.ForwardService/Sensitivity"
)

// #region types
// Files names the mesh and measurement files the oracle models with.
type Files struct {
	Grid      string
	Elec      string
	Config    string
	Dimension int
}

// Invoker is the unary-call surface of a gRPC connection.
type Invoker interface {
	Invoke(ctx context.Context, method string, args any, reply any, opts ...grpc.CallOption) error
}

// #endregion types

// #region client-struct
// OracleClient is a forward.Oracle served by a remote modeling process.
type OracleClient struct {
	conn    *grpc.ClientConn
	invoker Invoker
	files   Files
}

var _ forward.Oracle = (*OracleClient)(nil)

// #endregion client-struct

// #region constructor
// NewOracleClient connects to the forward-modeling gRPC server.
func NewOracleClient(addr string, files Files) (*OracleClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &OracleClient{conn: conn, invoker: conn, files: files}, nil
}

// NewOracleClientWithInvoker creates an OracleClient over an injected invoker.
// Used for testing without a real gRPC connection.
func NewOracleClientWithInvoker(inv Invoker, files Files) *OracleClient {
	return &OracleClient{invoker: inv, files: files}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *OracleClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region forward
// Forward asks the oracle for the modeled response of model.
func (c *OracleClient) Forward(ctx context.Context, model state.ModelRecord) (forward.Response, error) {
	resp, err := c.call(ctx, forwardMethod, model)
	if err != nil {
		return forward.Response{}, fmt.Errorf("forward rpc: %w", err)
	}
	mag, err := numberList(resp, "mag", -1)
	if err != nil {
		return forward.Response{}, fmt.Errorf("forward rpc: %w", err)
	}
	pha, err := numberList(resp, "pha", len(mag))
	if err != nil {
		return forward.Response{}, fmt.Errorf("forward rpc: %w", err)
	}
	return forward.Response{Mag: mag, Pha: pha}, nil
}

// #endregion forward

// #region sensitivity
// Sensitivity asks the oracle for the Jacobians at model.
func (c *OracleClient) Sensitivity(ctx context.Context, model state.ModelRecord) (forward.Sensitivity, error) {
	resp, err := c.call(ctx, sensitivityMethod, model)
	if err != nil {
		return forward.Sensitivity{}, fmt.Errorf("sensitivity rpc: %w", err)
	}
	rows, cols, err := shape(resp)
	if err != nil {
		return forward.Sensitivity{}, fmt.Errorf("sensitivity rpc: %w", err)
	}
	if cols != len(model.Mag) {
		return forward.Sensitivity{}, fmt.Errorf("sensitivity rpc: %d columns for %d cells: %w", cols, len(model.Mag), forward.ErrDimension)
	}
	jmag, err := numberList(resp, "jmag", rows*cols)
	if err != nil {
		return forward.Sensitivity{}, fmt.Errorf("sensitivity rpc: %w", err)
	}
	out := forward.Sensitivity{Mag: mat.NewDense(rows, cols, jmag)}
	if _, ok := resp.GetFields()["jpha"]; ok {
		jpha, err := numberList(resp, "jpha", rows*cols)
		if err != nil {
			return forward.Sensitivity{}, fmt.Errorf("sensitivity rpc: %w", err)
		}
		out.Pha = mat.NewDense(rows, cols, jpha)
	}
	return out, nil
}

// #endregion sensitivity

// #region wire
func (c *OracleClient) call(ctx context.Context, method string, model state.ModelRecord) (*structpb.Struct, error) {
	req, err := c.request(model)
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := c.invoker.Invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *OracleClient) request(model state.ModelRecord) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"model_mag": floatsToAny(model.Mag),
		"model_pha": floatsToAny(model.Pha),
		"grid":      c.files.Grid,
		"elec":      c.files.Elec,
		"config":    c.files.Config,
		"dimension": c.files.Dimension,
	})
}

func floatsToAny(v []float64) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}

// numberList reads a list of numbers; want < 0 accepts any length.
func numberList(s *structpb.Struct, key string, want int) ([]float64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, fmt.Errorf("response missing %q", key)
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("response field %q is not a list", key)
	}
	if want >= 0 && len(list.GetValues()) != want {
		return nil, fmt.Errorf("response field %q has %d values, want %d", key, len(list.GetValues()), want)
	}
	out := make([]float64, len(list.GetValues()))
	for i, item := range list.GetValues() {
		n, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("response field %q[%d] is not a number", key, i)
		}
		out[i] = n.NumberValue
	}
	return out, nil
}

func shape(s *structpb.Struct) (rows, cols int, err error) {
	dims := [2]int{}
	for i, key := range [2]string{"rows", "cols"} {
		v, ok := s.GetFields()[key]
		if !ok {
			return 0, 0, fmt.Errorf("response missing %q", key)
		}
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok || n.NumberValue < 1 || n.NumberValue != float64(int(n.NumberValue)) {
			return 0, 0, fmt.Errorf("response field %q is not a positive integer", key)
		}
		dims[i] = int(n.NumberValue)
	}
	return dims[0], dims[1], nil
}

// #endregion wire
