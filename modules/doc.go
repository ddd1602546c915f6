// Package modules holds script modules discovered by mop at startup.
//
// Go files are interpreted with yaegi and Lua files with gopher-lua; each
// file is one module named after its file stem. Go scripts carry a
// "go:build ignore" constraint so the toolchain does not compile them.
package modules
