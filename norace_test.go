//go:build !race

package hftbus

const raceEnabled = false
