// Package catalog reads declarative schedule catalogs (YAML or JSON) and
// turns them into collector schedule definitions.
//
// A catalog maps schedule ids to entries:
//
//	sensor-1:
//	  description: boiler room
//	  trigger: {type: interval, setting: {seconds: 5}}
//	  comm: {type: tcp, setting: {host: 10.0.0.7, port: 502, unit_id: 1}}
//	  default_template: default
//	  templates:
//	    default:
//	      procedure: [{op: read_holding_registers, address: 0, count: 2}]
//	      fields: [{key: t, type: B32_FLOAT}]
//
// Watcher keeps the collector in sync with a set of catalog files.
package catalog
