package main

import "math/rand"

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomQuantity returns a boolean one time in five, otherwise a number or a
// string with equal odds
func randomQuantity(rng *rand.Rand) interface{} {
	seed := rng.Int()
	switch {
	case seed%5 == 0:
		return rng.Intn(2) == 0
	case seed%2 == 0:
		return randomNumber(rng)
	default:
		return randomString(rng)
	}
}

func randomNumber(rng *rand.Rand) interface{} {
	seed := rng.Int()
	switch {
	case seed%5 == 0:
		return rng.Float32()
	case seed%4 == 0:
		return rng.Float64()
	case seed%3 == 0:
		return rng.Int63()
	default:
		return rng.Int31()
	}
}

func randomString(rng *rand.Rand) string {
	b := make([]byte, 1+rng.Intn(24))
	for i := range b {
		b[i] = alphanumeric[rng.Intn(len(alphanumeric))]
	}
	return string(b)
}
