package instrument

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"slicer/dex"
	"slicer/ir"
	"slicer/lir"
)

// MethodInstrumenter applies an ordered list of transformations to
// methods of one DexFile.
type MethodInstrumenter struct {
	dexIr           *ir.DexFile
	transformations []Transformation
	err             error
}

func New(dexIr *ir.DexFile) *MethodInstrumenter {
	return &MethodInstrumenter{dexIr: dexIr}
}

func (mi *MethodInstrumenter) AddTransformation(t Transformation) {
	mi.transformations = append(mi.transformations, t)
}

// Err returns the reason the last InstrumentMethod call failed.
func (mi *MethodInstrumenter) Err() error {
	return mi.err
}

// InstrumentMethod applies every transformation in order to the method
// named by id and re-encodes its body. It stops at the first
// transformation that fails. Nothing is rolled back: the body keeps its
// old encoding, but declarations added by earlier transformations stay
// in the IR, so callers discard the whole IR on failure.
func (mi *MethodInstrumenter) InstrumentMethod(id ir.MethodId) bool {
	mi.err = nil
	method := ir.NewBuilder(mi.dexIr).FindMethod(id)
	if method == nil {
		mi.err = errors.Errorf("method %s not found", id)
		return false
	}
	if method.Code == nil {
		mi.err = errors.Errorf("method %s has no code", id)
		return false
	}
	if err := mi.instrument(method); err != nil {
		mi.err = err
		log.Warnf("instrumenting %s: %v", id, err)
		return false
	}
	return true
}

func (mi *MethodInstrumenter) instrument(method *ir.EncodedMethod) (err error) {
	c, err := lir.New(method, mi.dexIr)
	if err != nil {
		return err
	}
	for _, t := range mi.transformations {
		if err := apply(t, c); err != nil {
			return err
		}
	}
	return c.Assemble()
}

func apply(t Transformation, c *lir.CodeIr) (err error) {
	defer dex.Recover(&err, "transformation failed")
	if t.Apply(c) {
		return nil
	}
	if r, ok := t.(errReporter); ok && r.Err() != nil {
		return r.Err()
	}
	return errors.Errorf("%T did not apply", t)
}
