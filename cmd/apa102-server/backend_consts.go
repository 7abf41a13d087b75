package main

import "time"

const (
	// nullPeekPixels is how many pixels the null backend logs per buffer at debug level.
	nullPeekPixels = 4
	closeGrace     = 2 * time.Second
)
