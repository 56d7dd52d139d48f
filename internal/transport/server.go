package transport

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/orchestrator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// #endregion

func logger() *slog.Logger { return slog.With("component", "transport") }

// #region server

// Server exposes a model over gRPC. Calls are serialised on the model.
type Server struct {
	mu    sync.Mutex
	model *orchestrator.Model
}

// NewServer serves m; a nil model answers FailedPrecondition until Swap.
func NewServer(m *orchestrator.Model) *Server {
	return &Server{model: m}
}

// Swap replaces the served model and returns the previous one.
func (s *Server) Swap(m *orchestrator.Model) *orchestrator.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.model
	s.model = m
	return old
}

// With runs fn on the served model under the server's lock.
func (s *Server) With(fn func(*orchestrator.Model) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return orchestrator.ErrNotInitialized
	}
	return fn(s.model)
}

func (s *Server) call(method string, fn func(*orchestrator.Model) (map[string]any, error)) (*structpb.Struct, error) {
	var out map[string]any
	err := s.With(func(m *orchestrator.Model) error {
		var err error
		out, err = fn(m)
		return err
	})
	if err != nil {
		logger().Debug("rpc failed", "method", method, "err", err)
		return nil, toStatus(err)
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%s: encode response: %v", method, err)
	}
	return resp, nil
}

// toStatus maps model errors onto gRPC codes. Anything but a missing model
// is blamed on the request.
func toStatus(err error) error {
	if errors.Is(err, orchestrator.ErrNotInitialized) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.InvalidArgument, err.Error())
}

// #endregion

// #region methods

// AddRecord takes {time, obs, contr} and answers {leaf}.
func (s *Server) AddRecord(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tm, err := number(in, "time")
	if err != nil {
		return nil, toStatus(err)
	}
	obs, err := numbers(in, "obs")
	if err != nil {
		return nil, toStatus(err)
	}
	contr, err := optNumbers(in, "contr")
	if err != nil {
		return nil, toStatus(err)
	}
	return s.call(methodAddRecord, func(m *orchestrator.Model) (map[string]any, error) {
		if err := m.OnAddRec(int64(tm), obs, contr); err != nil {
			return nil, err
		}
		return map[string]any{"leaf": m.LastState()}, nil
	})
}

// CurrentState answers {states: [{id, height}]}, leaf first.
func (s *Server) CurrentState(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.call(methodCurrentState, func(m *orchestrator.Model) (map[string]any, error) {
		states, err := m.CurrentStates()
		if err != nil {
			return nil, err
		}
		out := make([]any, len(states))
		for i, st := range states {
			out[i] = map[string]any{"id": st.ID, "height": st.Height}
		}
		return map[string]any{"states": out}, nil
	})
}

// FutureStates takes {height, state, time} and answers {states: [{id, prob}]}.
func (s *Server) FutureStates(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	height, err := number(in, "height")
	if err != nil {
		return nil, toStatus(err)
	}
	id, err := number(in, "state")
	if err != nil {
		return nil, toStatus(err)
	}
	t, err := number(in, "time")
	if err != nil {
		return nil, toStatus(err)
	}
	return s.call(methodFutureStates, func(m *orchestrator.Model) (map[string]any, error) {
		probs, err := m.FutureStates(height, int(id), t)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(probs))
		for i, p := range probs {
			out[i] = map[string]any{"id": p.ID, "prob": p.Prob}
		}
		return map[string]any{"states": out}, nil
	})
}

// Levels answers {levels: [{height, states, jump}]}.
func (s *Server) Levels(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.call(methodLevels, func(m *orchestrator.Model) (map[string]any, error) {
		levels, err := m.Levels()
		if err != nil {
			return nil, err
		}
		out := make([]any, len(levels))
		for i, lv := range levels {
			states := make([]any, len(lv.States))
			for k, st := range lv.States {
				states[k] = map[string]any{
					"id":           st.ID,
					"parent":       st.Parent,
					"x":            st.Coords.X,
					"y":            st.Coords.Y,
					"radius":       st.Radius,
					"prob":         st.Prob,
					"holding_time": st.HoldingTime,
					"target":       st.Target,
					"label":        st.Label,
					"name":         st.Name,
				}
			}
			jump := make([]any, len(lv.Jump))
			for k, row := range lv.Jump {
				jump[k] = list(row)
			}
			out[i] = map[string]any{"height": lv.Height, "states": states, "jump": jump}
		}
		return map[string]any{"levels": out}, nil
	})
}

// #endregion

// #region payload

func number(s *structpb.Struct, key string) (float64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("field %q is not a number", key)
	}
	return n.NumberValue, nil
}

func numbers(s *structpb.Struct, key string) ([]float64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, fmt.Errorf("missing field %q", key)
	}
	return toFloats(key, v)
}

// optNumbers treats a missing list as empty.
func optNumbers(s *structpb.Struct, key string) ([]float64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return []float64{}, nil
	}
	return toFloats(key, v)
}

func toFloats(key string, v *structpb.Value) ([]float64, error) {
	l := v.GetListValue()
	if l == nil {
		return nil, fmt.Errorf("field %q is not a list", key)
	}
	out := make([]float64, len(l.GetValues()))
	for i, x := range l.GetValues() {
		n, ok := x.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("field %q[%d] is not a number", key, i)
		}
		out[i] = n.NumberValue
	}
	return out, nil
}

func list(v []float64) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}

// #endregion
