package server

import "github.com/rdpma/rdpma/internal/affinity"

func pinWorker(cpu int) error {
	return affinity.Pin(cpu)
}
