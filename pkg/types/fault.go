package types

import (
	"errors"
	"reflect"
)

// Fault carries a failure as an ordinary stream element. A producer that
// wants a failure cached alongside its records yields a Fault instead of
// returning an error.
type Fault struct {
	// Name is the type of the failure, e.g. "RuntimeFault"
	Name string `json:"name"`

	// Message is the failure text
	Message string `json:"message"`
}

// Error implements the error interface.
func (f Fault) Error() string {
	if f.Name == "" {
		return f.Message
	}
	return f.Name + ": " + f.Message
}

// FaultOf converts err into a Fault. Faults already in the chain are
// returned as is; otherwise Name is the dynamic type name of err.
func FaultOf(err error) Fault {
	if err == nil {
		return Fault{}
	}
	var f Fault
	if errors.As(err, &f) {
		return f
	}
	var pf *Fault
	if errors.As(err, &pf) && pf != nil {
		return *pf
	}

	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" {
		name = t.String()
	}
	return Fault{Name: name, Message: err.Error()}
}
