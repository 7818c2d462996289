package decoder

import "io"

// ReadBytes reads exactly n bytes from r, looping over short reads.
func ReadBytes(r io.Reader, n int) ([]byte, error) {
	result := make([]byte, 0, n)
	needToRead := n
	for needToRead > 0 {
		buff := make([]byte, needToRead)
		readed, err := r.Read(buff)
		result = append(result, buff[:readed]...)
		needToRead -= readed
		if err != nil {
			if needToRead == 0 {
				break
			}
			return nil, err
		}
	}

	return result, nil
}
