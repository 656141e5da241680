// Package trainer assembles the training job configuration from the
// simulator registry and submits it to the external job service.
package trainer

import (
	"strconv"

	"github.com/envgate/envgate/internal/simreg"
)

// Hyperparams is the training configuration the job service consumes. The
// env_hosts map carries the registry-derived endpoints; everything else is
// operator-tuned.
type Hyperparams struct {
	EnvID    string                         `json:"env_id" yaml:"env_id"`
	EnvHosts map[string]simreg.EnvHostEntry `json:"env_hosts" yaml:"env_hosts"`

	NumAgents     int `json:"num_agents" yaml:"num_agents"`
	BatchSize     int `json:"batch_size" yaml:"batch_size"`
	TrainInterval int `json:"train_interval" yaml:"train_interval"`
	MaxSteps      int `json:"max_steps" yaml:"max_steps"`
	BufferSize    int `json:"buffer_size" yaml:"buffer_size"`

	GammaInit  float64 `json:"gamma_init" yaml:"gamma_init"`
	LambdaInit float64 `json:"lambda_init" yaml:"lambda_init"`
	SeqLen     int     `json:"seq_len" yaml:"seq_len"`

	LRInit      float64 `json:"lr_init" yaml:"lr_init"`
	LREnd       float64 `json:"lr_end" yaml:"lr_end"`
	LRScheduler string  `json:"lr_scheduler" yaml:"lr_scheduler"`
	Tau         float64 `json:"tau" yaml:"tau"`
	MaxGradNorm float64 `json:"max_grad_norm" yaml:"max_grad_norm"`

	NumLayers int     `json:"num_layers" yaml:"num_layers"`
	DModel    int     `json:"d_model" yaml:"d_model"`
	Dropout   float64 `json:"dropout" yaml:"dropout"`
	NumHeads  int     `json:"num_heads" yaml:"num_heads"`
}

// DefaultHyperparams returns the tuned defaults. Only env_id and env_hosts
// must be supplied by the caller.
func DefaultHyperparams() Hyperparams {
	return Hyperparams{
		EnvHosts:      map[string]simreg.EnvHostEntry{},
		NumAgents:     128,
		BatchSize:     128,
		TrainInterval: 1,
		MaxSteps:      500_000,
		BufferSize:    500_000,
		GammaInit:     0.99,
		LambdaInit:    0.95,
		SeqLen:        16,
		LRInit:        1e-4,
		LREnd:         1e-6,
		LRScheduler:   "linear",
		Tau:           0.01,
		MaxGradNorm:   1.0,
		NumLayers:     5,
		DModel:        256,
		Dropout:       0.05,
		NumHeads:      8,
	}
}

// WithHosts fills env_hosts from the registry's current endpoint list, keyed
// host0..hostN in registry order.
func (h Hyperparams) WithHosts(hosts []simreg.EnvHostEntry) Hyperparams {
	out := h
	out.EnvHosts = make(map[string]simreg.EnvHostEntry, len(hosts))
	for i, host := range hosts {
		out.EnvHosts["host"+strconv.Itoa(i)] = host
	}
	return out
}
