package runner

import (
	"math"
	"unsafe"

	"github.com/notargets/kdispatch/device"
	"github.com/notargets/kdispatch/runner/builder"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Allocate reserves a named device array of elements values of dataType.
// An existing array with the same name is released first.
func (s *Session) Allocate(name string, mode device.AccessMode, dataType builder.DataType, elements int64) (*Array, error) {
	if err := s.checkOpen(); err != nil {
		return nil, stageError(StageAllocate, err)
	}
	elementSize := builder.SizeOfType(dataType)
	if elementSize == 0 {
		return nil, stageError(StageAllocate,
			device.TransferError("array %s: unsupported data type %s", name, dataType))
	}
	if elements <= 0 {
		return nil, stageError(StageAllocate,
			device.TransferError("array %s: invalid element count %d", name, elements))
	}

	buf, err := s.Context.Allocate(mode, elements*elementSize)
	if err != nil {
		return nil, stageError(StageAllocate, errors.Wrapf(err, "failed to allocate %s", name))
	}
	if old, exists := s.Arrays[name]; exists {
		old.Buffer.Release()
	}
	array := &Array{Name: name, Buffer: buf, DataType: dataType, Elements: elements}
	s.Arrays[name] = array
	klog.V(2).Infof("allocated %s: %d x %s (%d bytes, mode %d)", name, elements, dataType, buf.Len(), mode)
	return array, nil
}

// AllocateFrom reserves a named device array sized and typed after host and
// initializes it with host's contents
func (s *Session) AllocateFrom(name string, mode device.AccessMode, host interface{}) (*Array, error) {
	dataType, elements, err := inferHost(host)
	if err != nil {
		return nil, stageError(StageAllocate, errors.Wrapf(err, "array %s", name))
	}
	array, err := s.Allocate(name, mode, dataType, elements)
	if err != nil {
		return nil, err
	}
	if err := s.Upload(name, host); err != nil {
		return nil, err
	}
	return array, nil
}

// Upload copies host data into the named array. The element count must
// match the array exactly; float and integer widths are converted to the
// array's type when they differ.
func (s *Session) Upload(name string, host interface{}) error {
	array, err := s.lookupArray(name)
	if err != nil {
		return stageError(StageUpload, err)
	}
	host, err = hostSlice(host)
	if err != nil {
		return stageError(StageUpload, device.TransferError("upload %s: %v", name, err))
	}
	converted, err := convertForDevice(host, array.DataType)
	if err != nil {
		return stageError(StageUpload, device.TransferError("upload %s: %v", name, err))
	}
	ptr, elements := slicePointer(converted)
	if elements != array.Elements {
		return stageError(StageUpload, device.TransferError(
			"upload %s: host has %d elements, device array has %d", name, elements, array.Elements))
	}
	if err := array.Buffer.CopyFrom(ptr, array.Buffer.Len()); err != nil {
		return stageError(StageUpload, errors.Wrapf(err, "failed to copy %s to device", name))
	}
	klog.V(2).Infof("uploaded %s (%d bytes)", name, array.Buffer.Len())
	return nil
}

// Download copies the named array into host, which must be a slice (or
// contiguous *mat.VecDense) of exactly the array's element count
func (s *Session) Download(name string, host interface{}) error {
	array, err := s.lookupArray(name)
	if err != nil {
		return stageError(StageDownload, err)
	}
	host, err = hostSlice(host)
	if err != nil {
		return stageError(StageDownload, device.TransferError("download %s: %v", name, err))
	}
	hostType, elements, err := builder.InferSlice(host)
	if err != nil {
		return stageError(StageDownload, device.TransferError("download %s: %v", name, err))
	}
	if elements != array.Elements {
		return stageError(StageDownload, device.TransferError(
			"download %s: host has %d elements, device array has %d", name, elements, array.Elements))
	}

	if hostType == array.DataType {
		ptr, _ := slicePointer(host)
		if err := array.Buffer.CopyTo(ptr, array.Buffer.Len()); err != nil {
			return stageError(StageDownload, errors.Wrapf(err, "failed to copy %s from device", name))
		}
	} else {
		staging := makeSlice(array.DataType, array.Elements)
		ptr, _ := slicePointer(staging)
		if err := array.Buffer.CopyTo(ptr, array.Buffer.Len()); err != nil {
			return stageError(StageDownload, errors.Wrapf(err, "failed to copy %s from device", name))
		}
		if err := convertInto(host, staging); err != nil {
			return stageError(StageDownload, device.TransferError("download %s: %v", name, err))
		}
	}
	klog.V(2).Infof("downloaded %s (%d bytes)", name, array.Buffer.Len())
	return nil
}

// Release frees the named array
func (s *Session) Release(name string) error {
	array, err := s.lookupArray(name)
	if err != nil {
		return err
	}
	array.Buffer.Release()
	delete(s.Arrays, name)
	return nil
}

func (s *Session) lookupArray(name string) (*Array, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	array, exists := s.Arrays[name]
	if !exists {
		return nil, device.TransferError("array %s not allocated", name)
	}
	return array, nil
}

func inferHost(host interface{}) (builder.DataType, int64, error) {
	host, err := hostSlice(host)
	if err != nil {
		return 0, 0, err
	}
	return builder.InferSlice(host)
}

// hostSlice unwraps gonum vectors to their backing []float64
func hostSlice(host interface{}) (interface{}, error) {
	v, ok := host.(*mat.VecDense)
	if !ok {
		return host, nil
	}
	raw := v.RawVector()
	if raw.Inc != 1 {
		return nil, errors.Errorf("vector with stride %d is not contiguous", raw.Inc)
	}
	return raw.Data[:raw.N], nil
}

func slicePointer(host interface{}) (unsafe.Pointer, int64) {
	switch v := host.(type) {
	case []float32:
		if len(v) > 0 {
			return unsafe.Pointer(&v[0]), int64(len(v))
		}
	case []float64:
		if len(v) > 0 {
			return unsafe.Pointer(&v[0]), int64(len(v))
		}
	case []int32:
		if len(v) > 0 {
			return unsafe.Pointer(&v[0]), int64(len(v))
		}
	case []int64:
		if len(v) > 0 {
			return unsafe.Pointer(&v[0]), int64(len(v))
		}
	}
	return nil, 0
}

func makeSlice(dataType builder.DataType, elements int64) interface{} {
	switch dataType {
	case builder.Float32:
		return make([]float32, elements)
	case builder.Float64:
		return make([]float64, elements)
	case builder.INT32:
		return make([]int32, elements)
	default:
		return make([]int64, elements)
	}
}

// convertForDevice returns host unchanged when it already has the device
// type, otherwise a converted copy
func convertForDevice(host interface{}, deviceType builder.DataType) (interface{}, error) {
	hostType, n, err := builder.InferSlice(host)
	if err != nil {
		return nil, err
	}
	if hostType == deviceType {
		return host, nil
	}
	out := makeSlice(deviceType, n)
	if err := convertInto(out, host); err != nil {
		return nil, err
	}
	return out, nil
}

// convertInto copies src into dst element by element across float or
// integer widths. Values that do not fit the narrower type are rejected.
func convertInto(dst, src interface{}) error {
	switch d := dst.(type) {
	case []float32:
		if s, ok := src.([]float64); ok {
			for i, v := range s {
				n := float32(v)
				if math.IsInf(float64(n), 0) && !math.IsInf(v, 0) {
					return errors.Errorf("element %d: %g overflows float32", i, v)
				}
				d[i] = n
			}
			return nil
		}
	case []float64:
		if s, ok := src.([]float32); ok {
			for i, v := range s {
				d[i] = float64(v)
			}
			return nil
		}
	case []int32:
		if s, ok := src.([]int64); ok {
			for i, v := range s {
				if v < math.MinInt32 || v > math.MaxInt32 {
					return errors.Errorf("element %d: %d overflows int32", i, v)
				}
				d[i] = int32(v)
			}
			return nil
		}
	case []int64:
		if s, ok := src.([]int32); ok {
			for i, v := range s {
				d[i] = int64(v)
			}
			return nil
		}
	}
	return errors.Errorf("cannot convert %T to %T", src, dst)
}
