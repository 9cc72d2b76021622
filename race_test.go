//go:build race

package hftbus

const raceEnabled = true
