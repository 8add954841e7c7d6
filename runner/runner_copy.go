package runner

// Element is a host element type the device arrays can be read into
type Element interface {
	float32 | float64 | int32 | int64
}

// CopyArrayToHost reads a whole device array into a new host slice,
// converting element width when the array type differs from T
func CopyArrayToHost[T Element](s *Session, name string) ([]T, error) {
	array, err := s.lookupArray(name)
	if err != nil {
		return nil, stageError(StageDownload, err)
	}
	result := make([]T, array.Elements)
	if err := s.Download(name, result); err != nil {
		return nil, err
	}
	return result, nil
}
