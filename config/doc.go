// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package config defines the boot-time configuration shape the gateway
// core consumes. Parsing YAML, resolving ${ENV} placeholders, and watching
// the file for changes are the job of an external collaborator (the CLI);
// this package only describes the assembled struct and validates it.
package config
