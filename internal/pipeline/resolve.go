package pipeline

import (
	"fmt"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/store"
)

// target is one provider/model pair the dispatch loop may try.
type target struct {
	prov  *catalog.Provider
	model string
}

// resolveTargets expands the client's model name into the ordered list of
// provider/model targets to attempt. Aliases apply first, then combo names,
// then the explicit provider/model form.
func resolveTargets(m *store.MachineData, model string) ([]target, error) {
	name := model
	if alias, ok := m.ModelAliases[name]; ok && alias != "" {
		name = alias
	}

	if combo := m.Combo(name); combo != nil {
		targets := make([]target, 0, len(combo.Models))
		for _, member := range combo.Models {
			ref := member
			if alias, ok := m.ModelAliases[ref]; ok && alias != "" {
				ref = alias
			}
			prov, id, ok := catalog.SplitModelRef(ref)
			if !ok {
				continue
			}
			targets = append(targets, target{prov: prov, model: id})
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("combo %q has no resolvable models", name)
		}
		return targets, nil
	}

	prov, id, ok := catalog.SplitModelRef(name)
	if !ok {
		return nil, fmt.Errorf("unknown model: %s", model)
	}
	return []target{{prov: prov, model: id}}, nil
}
