/*
rtlgridstream is an rtl-sdr receiver for Landis+Gyr GridStream meters
operating in the 900MHz ISM band. Samples are read from an rtl_tcp server, or
from a file of interleaved unsigned 8-bit I/Q samples, at 250 kS/s.

Command-line Flags:

	-config=""

Reads defaults from a YAML file. Flags given on the command line or through
the environment take precedence over the file.

	crcinits: [0x45F8, 0x5FD6]
	timezone: America/Chicago
	layout: default
	logmic: true
	decimation: 1
	level: 1024
	db: readings.db

	-crcinits=""

Comma-separated hex CRC initial values to try against each frame. Defaults to
the built-in table of known utility values.

	-decimation=0

Log2 of the envelope detector's stride. Larger values trade sensitivity for
speed. Must be 0 through 3.

	-duration=0

Sets time to receive for, 0 for infinite. If the time limit expires during
processing of a block it will exit on the next pass through the receive loop.

	-filterid=0badf00d

Display only messages whose source address matches one of a comma-separated
list of hex ids.

	-filtertype=0x55,0xd5

Display only messages whose subtype matches one of a comma-separated list.

	-format="plain"

Sets the output format: plain, csv, json or cbor. Plain text is formatted as:

	{Time:%s GridStream:{Subtype:0x55 ID:0badf00d WAN:... Dest:... Uptime:%d CRC:0x%04X Init:0x%04X}}

Plain text conditionally omits offset and length fields if not dumping samples
to file. For json each line is an object with the message's fields in order.
CBOR output is a stream of data items with deterministically ordered maps.

	-db=""

Additionally stores each message and a per-meter summary in a SQLite database.

	-dbdump=0

Prints readings stored in -db received within the given duration as json lines
and exits without receiving. With -filterid only those meters are printed and
each meter's summary is logged.

	-infile=""

Reads samples from a file instead of rtl_tcp, - reads from stdin. Any row in
progress when the file ends is decoded before exiting.

	-layout="default"

Selects where addressed (0xD5) messages carry their source address: default
reads offset 26, compact reads offset 11.

	-level=0

Envelope level above which the FM output is sliced, 0 for the default of 1024.

	-logmic=false

Logs the CRC init each frame matched, and frames failing every CRC init, at
debug level. Requires -loglevel=debug.

	-loglevel="info"

Sets the log level. Logs are written to stderr.

	-samplefile="/dev/null"

Sets file to dump samples for decoded packets to. Output file format are
interleaved in-phase and quadrature samples each are unsigned bytes. This flag
enables offset and length fields in plain text log messages.

	-single=false

Provides one shot execution. Receiver listens until exactly one message is
received before exiting, or one from each id given with -filterid.

	-timezone="Local"

Time zone used to render timestamps carried by long addressed messages.

	-unique=false

Suppress consecutive duplicate messages from each meter.

Every flag may also be given as an environment variable prefixed with
RTLGRIDSTREAM_, for example RTLGRIDSTREAM_FORMAT=json.
*/
package main
