package workflow

import "context"

// RegisterBuiltins adds the handlers every engine process ships with:
//   - noop succeeds with no output
//   - echo returns its config merged over the run params
func RegisterBuiltins(reg *Registry) error {
	if err := reg.RegisterHandler("noop", func(context.Context, RunContext, map[string]any) (any, error) {
		return nil, nil
	}); err != nil {
		return err
	}
	return reg.RegisterHandler("echo", func(_ context.Context, rc RunContext, config map[string]any) (any, error) {
		return MergeParams(rc.Params, config, nil), nil
	})
}
