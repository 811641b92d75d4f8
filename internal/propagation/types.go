package propagation

import (
	"time"

	"github.com/star/stargnss/internal/transform"
)

// SatelliteState is one satellite's ECEF state at a propagation instant.
type SatelliteState struct {
	NORADID int
	PRN     int
	Epoch   time.Time // TLE epoch the state was propagated from
	ECEF    transform.StateECEF
}

// PropConfig holds propagation configuration.
type PropConfig struct {
	Workers int // Worker pool size (default: runtime.NumCPU())
}
