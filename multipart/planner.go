package multipart

import "fmt"

// PlanParts splits a file of the given size into fixed-size parts.
// Part n covers [(n-1)*partSize, min(n*partSize, size)); only the last part may be shorter.
func PlanParts(size, partSize int64) ([]PartTask, error) {
	if partSize <= 0 {
		return nil, ErrInvalidPartSize
	}
	if size <= 0 {
		return nil, ErrEmptyFile
	}

	count := (size + partSize - 1) / partSize
	if count > maxParts {
		return nil, fmt.Errorf("%w: %d parts of %d bytes (limit %d)", ErrTooManyParts, count, partSize, maxParts)
	}

	tasks := make([]PartTask, 0, count)
	for n := int64(1); n <= count; n++ {
		end := n * partSize
		if end > size {
			end = size
		}
		tasks = append(tasks, PartTask{
			Number: int(n),
			Start:  (n - 1) * partSize,
			End:    end,
		})
	}
	return tasks, nil
}
