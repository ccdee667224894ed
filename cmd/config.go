/*
Copyright 2024 Carenote Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/carenote/carenote/config"
)

// configCommands prints the computed configuration with secrets masked.
func configCommands(b *carenoteInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "config",
		Short:       "config outputs your instance's computed configuration",
		Annotations: map[string]string{skipSetup: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			cfg := *b.cnf
			cfg.Server.SecretKey = mask(cfg.Server.SecretKey)
			cfg.Storage.EncryptionKey = mask(cfg.Storage.EncryptionKey)
			cfg.Storage.AwsSecretAccessKey = mask(cfg.Storage.AwsSecretAccessKey)
			cfg.Device.APIKey = mask(cfg.Device.APIKey)
			capabilities := make(map[string]config.CapabilityConfig, len(cfg.Pipeline.Capabilities))
			for name, capability := range cfg.Pipeline.Capabilities {
				capability.APIKey = mask(capability.APIKey)
				capabilities[name] = capability
			}
			cfg.Pipeline.Capabilities = capabilities

			data, err := json.MarshalIndent(cfg, "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}
			fmt.Println(string(data))
		},
	}

	return cmd
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
