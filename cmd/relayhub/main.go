// Copyright © 2025 RelayHub authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package main

import "github.com/relayhub/relayhub/cmd/relayhub/commands"

func main() {
	commands.Execute()
}
