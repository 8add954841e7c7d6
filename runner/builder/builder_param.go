package builder

import (
	"fmt"

	"github.com/notargets/kdispatch/device"
)

// Direction indicates parameter data flow
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
	DirectionInOut
	DirectionScalar
	DirectionLocal
)

// ParamBuilder provides a fluent interface for building kernel parameters
type ParamBuilder struct {
	Spec ParamSpec
}

// ParamSpec holds the complete specification for a kernel parameter
type ParamSpec struct {
	Name        string
	Direction   Direction
	HostBinding interface{}

	// Type and size in elements (inferred or explicit)
	DataType DataType
	Size     int64

	// Data movement
	DoCopyTo   bool
	DoCopyBack bool
}

// Input creates a parameter specification for a read-only device buffer
func Input(deviceName string) *ParamBuilder {
	return &ParamBuilder{
		Spec: ParamSpec{
			Name:      deviceName,
			Direction: DirectionInput,
		},
	}
}

// Output creates a parameter specification for a write-only device buffer
func Output(deviceName string) *ParamBuilder {
	return &ParamBuilder{
		Spec: ParamSpec{
			Name:      deviceName,
			Direction: DirectionOutput,
		},
	}
}

// InOut creates a parameter specification for a read-write device buffer
func InOut(deviceName string) *ParamBuilder {
	return &ParamBuilder{
		Spec: ParamSpec{
			Name:      deviceName,
			Direction: DirectionInOut,
		},
	}
}

// Scalar creates a parameter specification for a value passed by copy
func Scalar(deviceName string) *ParamBuilder {
	return &ParamBuilder{
		Spec: ParamSpec{
			Name:      deviceName,
			Direction: DirectionScalar,
		},
	}
}

// Local creates a parameter specification for group-local scratch memory.
// Size is per group, in elements of the parameter type.
func Local(deviceName string) *ParamBuilder {
	return &ParamBuilder{
		Spec: ParamSpec{
			Name:      deviceName,
			Direction: DirectionLocal,
		},
	}
}

// Bind associates a host variable with this parameter
func (p *ParamBuilder) Bind(hostVar interface{}) *ParamBuilder {
	p.Spec.HostBinding = hostVar
	p.inferFromBinding()
	return p
}

// Copy sets bidirectional copy (host→device before, device→host after)
func (p *ParamBuilder) Copy() *ParamBuilder {
	p.Spec.DoCopyTo = true
	p.Spec.DoCopyBack = true
	return p
}

// CopyTo sets host→device copy before kernel execution
func (p *ParamBuilder) CopyTo() *ParamBuilder {
	p.Spec.DoCopyTo = true
	return p
}

// CopyBack sets device→host copy after kernel execution
func (p *ParamBuilder) CopyBack() *ParamBuilder {
	p.Spec.DoCopyBack = true
	return p
}

// NoCopy explicitly disables data movement
func (p *ParamBuilder) NoCopy() *ParamBuilder {
	p.Spec.DoCopyTo = false
	p.Spec.DoCopyBack = false
	return p
}

// Type sets explicit type (mainly for Local and unbound arrays)
func (p *ParamBuilder) Type(dataType DataType) *ParamBuilder {
	p.Spec.DataType = dataType
	return p
}

// Size sets explicit size in elements (mainly for Local and unbound arrays)
func (p *ParamBuilder) Size(elements int) *ParamBuilder {
	p.Spec.Size = int64(elements)
	return p
}

// inferFromBinding extracts type and size information from the host binding
func (p *ParamBuilder) inferFromBinding() {
	if p.Spec.HostBinding == nil {
		return
	}
	if p.Spec.Direction == DirectionScalar {
		if dt, err := InferScalar(p.Spec.HostBinding); err == nil {
			p.Spec.DataType = dt
			p.Spec.Size = 1
		}
		return
	}
	if dt, n, err := InferSlice(p.Spec.HostBinding); err == nil {
		p.Spec.DataType = dt
		p.Spec.Size = n
	}
}

// Validate checks if the parameter specification is complete and valid
func (p *ParamSpec) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter name cannot be empty")
	}

	switch p.Direction {
	case DirectionScalar:
		if p.HostBinding == nil {
			return fmt.Errorf("scalar %s needs a bound value", p.Name)
		}
		if _, err := InferScalar(p.HostBinding); err != nil {
			return fmt.Errorf("scalar %s: %w", p.Name, err)
		}
		return nil
	case DirectionLocal:
		if p.HostBinding != nil {
			return fmt.Errorf("local array %s cannot have host binding", p.Name)
		}
		if p.DoCopyTo || p.DoCopyBack {
			return fmt.Errorf("local array %s cannot have copy operations", p.Name)
		}
	}

	if p.Size <= 0 {
		return fmt.Errorf("array %s needs size", p.Name)
	}
	if p.DataType == 0 {
		return fmt.Errorf("array %s needs type", p.Name)
	}
	if p.HostBinding != nil {
		if _, _, err := InferSlice(p.HostBinding); err != nil {
			return fmt.Errorf("array %s: %w", p.Name, err)
		}
	}
	if p.DoCopyTo && p.Direction == DirectionOutput {
		return fmt.Errorf("output %s is write-only and cannot be copied to the device", p.Name)
	}
	if p.DoCopyBack && p.Direction == DirectionInput {
		return fmt.Errorf("input %s is read-only and cannot be copied back", p.Name)
	}
	return nil
}

// AccessMode returns the device access mode of an array parameter
func (p *ParamSpec) AccessMode() device.AccessMode {
	switch p.Direction {
	case DirectionInput:
		return device.ReadOnly
	case DirectionOutput:
		return device.WriteOnly
	default:
		return device.ReadWrite
	}
}

// IsArray reports whether the parameter lives in device global memory
func (p *ParamSpec) IsArray() bool {
	return p.Direction != DirectionScalar && p.Direction != DirectionLocal
}

// LocalBytes returns the per-group byte size of a Local parameter
func (p *ParamSpec) LocalBytes() int64 {
	return p.Size * SizeOfType(p.DataType)
}

// NeedsCopyTo returns whether this parameter needs host→device copy
func (p *ParamSpec) NeedsCopyTo() bool {
	return p.DoCopyTo && p.HostBinding != nil
}

// NeedsCopyBack returns whether this parameter needs device→host copy
func (p *ParamSpec) NeedsCopyBack() bool {
	return p.DoCopyBack && p.HostBinding != nil
}
