// Package config loads IDSCP2 peer configuration from YAML files.
//
// A file describes one peer: its secure channel key material, the DAPS
// driver issuing and verifying DATs, the registered attestation schemes and
// the protocol timeouts. Build turns a File into the configuration values of
// the transport, daps, rat and idscp2 packages.
//
// Example:
//
//	listen: ":29292"
//	tls:
//	  cert: provider.crt
//	  key: provider.key
//	  ca: ca.crt
//	daps:
//	  mode: static
//	  key: daps.key
//	  issuer: https://daps.example
//	rat:
//	  supported: [TPM2d, Dummy]
//	  expected: [Dummy]
//	  timeout: 1h
//	  tpm2:
//	    device: /dev/tpmrm0
//	    type: BASIC
//	    trusted_keys: [peer-ak.pem]
//	timeouts:
//	  handshake: 5s
//	log:
//	  level: debug
//	  protocol_log: /var/log/idscp2/capture.ilog
//	  protocol_log_dir: /var/log/idscp2/sessions
package config
