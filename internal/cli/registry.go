package cli

import (
	"log/slog"

	"github.com/roach88/chainboot/internal/config"
	"github.com/roach88/chainboot/internal/entrypoint"
	"github.com/roach88/chainboot/internal/patch"
	"github.com/roach88/chainboot/internal/plugin"
)

// builtinSource labels units compiled into the binary.
const builtinSource = "builtin"

// buildRegistry registers the entrypoint injector first, then every
// patcher discovered in cfg.Paths.Patchers. Patchers that fail to load are
// returned as errors and left out; the rest are registered.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*patch.Registry, []error, error) {
	reg := patch.NewRegistry()
	injector := entrypoint.New(cfg.EntrypointSpec(), cfg.Companion(), entrypoint.WithLogger(logger))
	if err := reg.Register(injector); err != nil {
		return nil, nil, err
	}

	count, errs := reg.Discover(cfg.Paths.Patchers, plugin.Loader{})
	logger.Debug("patchers discovered", "dir", cfg.Paths.Patchers, "registered", count, "failed", len(errs))
	return reg, errs, nil
}

// unitSource reports where a registered unit came from.
func unitSource(u patch.Unit) string {
	if p, ok := u.(*plugin.Unit); ok {
		return p.Decl().Source
	}
	return builtinSource
}
