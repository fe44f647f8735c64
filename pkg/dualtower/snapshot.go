package dualtower

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/respsel/pkg/modeldata"
	"github.com/haivivi/respsel/pkg/nn"
)

// snapshotVersion is bumped whenever the snapshot layout changes.
const snapshotVersion = 1

type snapshot struct {
	Version   int                 `msgpack:"version"`
	Policy    string              `msgpack:"policy"`
	Config    Config              `msgpack:"config"`
	Seed      uint64              `msgpack:"seed"`
	Signature modeldata.Signature `msgpack:"signature"`
	LabelData modeldata.State     `msgpack:"label_data"`
	Params    nn.State            `msgpack:"params"`
}

// Save writes the model as a msgpack snapshot. Optimizer state is not
// saved.
func (m *Model) Save(w io.Writer) error {
	s := snapshot{
		Version:   snapshotVersion,
		Policy:    m.policy.Name,
		Config:    m.cfg,
		Seed:      m.seed,
		Signature: m.signature,
		LabelData: m.labelData.State(),
		Params:    m.params.State(),
	}
	if err := msgpack.NewEncoder(w).Encode(&s); err != nil {
		return fmt.Errorf("dualtower: encode snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot written by [Model.Save]. The layers are rebuilt
// from the stored seed and the parameter values restored.
func Load(r io.Reader, opts ...Option) (*Model, error) {
	var s snapshot
	if err := msgpack.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("dualtower: decode snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("dualtower: unsupported snapshot version %d", s.Version)
	}
	policy, ok := LookupPolicy(s.Policy)
	if !ok {
		return nil, fmt.Errorf("dualtower: unknown policy %q", s.Policy)
	}
	labelData, err := modeldata.FromState(s.LabelData)
	if err != nil {
		return nil, fmt.Errorf("dualtower: label data: %w", err)
	}
	if err := s.Config.Validate(); err != nil {
		return nil, err
	}
	m, err := build(s.Config, policy, s.Signature, labelData, s.Seed, opts)
	if err != nil {
		return nil, err
	}
	if err := m.params.Load(s.Params); err != nil {
		return nil, fmt.Errorf("dualtower: %w", err)
	}
	return m, nil
}
