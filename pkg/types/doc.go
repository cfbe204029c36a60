// Package types defines the project descriptor, connection profile, schema
// version and property definition types, plus the error taxonomy shared by
// every package of the CPD storage gateway.
package types
