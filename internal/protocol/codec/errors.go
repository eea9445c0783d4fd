package codec

import "errors"

var (
	// ErrUnknownCodec is returned by ByName for unregistered names.
	ErrUnknownCodec = errors.New("codec: unknown codec")

	// ErrConvert is returned when a value cannot be re-typed.
	ErrConvert = errors.New("codec: conversion failed")
)
