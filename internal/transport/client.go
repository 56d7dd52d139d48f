package transport

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ctmc"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/hierarchy"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/orchestrator"
	"github.com/danielpatrickdp/streamstory/go-engine/internal/visual"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region client-struct
// Client wraps the gRPC connection to a StreamStory engine.
type Client struct {
	conn   *grpc.ClientConn
	client StreamStoryClient
}

// #endregion client-struct

// #region constructor
// NewClient connects to an engine without transport security.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, client: NewStreamStoryClient(conn)}, nil
}

// NewClientWithService creates a Client with an injected service
// implementation.
func NewClientWithService(svc StreamStoryClient) *Client {
	return &Client{client: svc}
}

// Close shuts down the gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion constructor

// #region add-record
// AddRecord streams one record and returns the leaf the engine is in.
func (c *Client) AddRecord(ctx context.Context, tm int64, obs, contr []float64) (int, error) {
	in, err := structpb.NewStruct(map[string]any{
		"time":  float64(tm),
		"obs":   list(obs),
		"contr": list(contr),
	})
	if err != nil {
		return 0, fmt.Errorf("add record: %w", err)
	}
	resp, err := c.client.AddRecord(ctx, in)
	if err != nil {
		return 0, fmt.Errorf("add record rpc: %w", err)
	}
	leaf, err := number(resp, "leaf")
	if err != nil {
		return 0, fmt.Errorf("add record: %w", err)
	}
	return int(leaf), nil
}

// #endregion add-record

// #region current-state
// CurrentState returns the current node at every height, leaf first.
func (c *Client) CurrentState(ctx context.Context) ([]hierarchy.IDHeight, error) {
	resp, err := c.client.CurrentState(ctx, &structpb.Struct{})
	if err != nil {
		return nil, fmt.Errorf("current state rpc: %w", err)
	}
	var out []hierarchy.IDHeight
	for _, v := range resp.GetFields()["states"].GetListValue().GetValues() {
		st := v.GetStructValue()
		out = append(out, hierarchy.IDHeight{
			ID:     int(numberOr(st, "id")),
			Height: numberOr(st, "height"),
		})
	}
	return out, nil
}

// #endregion current-state

// #region future-states
// FutureStates returns the distribution t time units ahead of a state.
func (c *Client) FutureStates(ctx context.Context, height float64, state int, t float64) ([]ctmc.StateProb, error) {
	in, err := structpb.NewStruct(map[string]any{"height": height, "state": state, "time": t})
	if err != nil {
		return nil, fmt.Errorf("future states: %w", err)
	}
	resp, err := c.client.FutureStates(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("future states rpc: %w", err)
	}
	var out []ctmc.StateProb
	for _, v := range resp.GetFields()["states"].GetListValue().GetValues() {
		st := v.GetStructValue()
		out = append(out, ctmc.StateProb{ID: int(numberOr(st, "id")), Prob: numberOr(st, "prob")})
	}
	return out, nil
}

// #endregion future-states

// #region levels
// Levels returns the level summaries; automatic names are not transferred.
func (c *Client) Levels(ctx context.Context) ([]orchestrator.Level, error) {
	resp, err := c.client.Levels(ctx, &structpb.Struct{})
	if err != nil {
		return nil, fmt.Errorf("levels rpc: %w", err)
	}
	var out []orchestrator.Level
	for _, lv := range resp.GetFields()["levels"].GetListValue().GetValues() {
		s := lv.GetStructValue()
		level := orchestrator.Level{Height: numberOr(s, "height")}
		for _, v := range s.GetFields()["states"].GetListValue().GetValues() {
			st := v.GetStructValue()
			f := st.GetFields()
			level.States = append(level.States, orchestrator.LevelState{
				ID:          int(numberOr(st, "id")),
				Parent:      int(numberOr(st, "parent")),
				Coords:      visual.Point{X: numberOr(st, "x"), Y: numberOr(st, "y")},
				Radius:      numberOr(st, "radius"),
				Prob:        numberOr(st, "prob"),
				HoldingTime: numberOr(st, "holding_time"),
				Target:      f["target"].GetBoolValue(),
				Label:       f["label"].GetStringValue(),
				Name:        f["name"].GetStringValue(),
			})
		}
		for _, row := range s.GetFields()["jump"].GetListValue().GetValues() {
			vals, err := toFloats("jump", row)
			if err != nil {
				return nil, fmt.Errorf("levels: %w", err)
			}
			level.Jump = append(level.Jump, vals)
		}
		out = append(out, level)
	}
	return out, nil
}

// #endregion levels

func numberOr(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}
