// Package protocol implements the JSON message schema spoken over the
// duplex caption channel. It handles envelope parsing, typed payload
// decoding with validation, and normalization of legacy field aliases.
package protocol
