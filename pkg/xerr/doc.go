/*
Package xerr models the errno-scale error codes that cross the wire
and the DSS boundary. Codes wrap freely with %w; Code extracts the
errno from any error chain, mapping unclassified errors to EIO.
*/
package xerr
